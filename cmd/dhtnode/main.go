package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cenkalti/dhtnode/dht"
	"github.com/cenkalti/dhtnode/internal/jsonutil"
	"github.com/cenkalti/dhtnode/internal/logger"
	"github.com/cenkalti/dhtnode/internal/rpctypes"
	"github.com/cenkalti/dhtnode/rpcclient"
	"github.com/urfave/cli"
)

var (
	app = cli.NewApp()
	clt *rpcclient.Client
)

func main() {
	app.Name = "dhtnode"
	app.Usage = "Mainline DHT node"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "log-level",
			Usage: "one of debug, info, notice, warning, error, optionally followed by component levels, e.g. \"info,rpc server=warning\"",
			Value: "info",
		},
	}
	app.Before = handleBeforeCommand
	app.Commands = []cli.Command{
		{
			Name:  "run",
			Usage: "run DHT node",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "config,c",
					Usage: "read config from `FILE`",
					Value: "~/.dhtnode.yaml",
				},
				cli.IntFlag{
					Name:  "port,p",
					Usage: "UDP port to listen on, overrides config",
				},
			},
			Action: handleRun,
		},
		{
			Name:  "client",
			Usage: "send command to a running node",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "url",
					Usage: "URL of the control API",
					Value: "http://127.0.0.1:" + strconv.Itoa(dht.DefaultConfig.RPCPort),
				},
				cli.StringFlag{
					Name:  "family",
					Usage: "ipv4 or ipv6",
					Value: "ipv4",
				},
			},
			Before: handleBeforeClient,
			After:  handleAfterClient,
			Subcommands: []cli.Command{
				{
					Name:   "stats",
					Usage:  "show stats",
					Action: handleStats,
				},
				{
					Name:   "metrics",
					Usage:  "show metrics",
					Action: handleMetrics,
				},
				{
					Name:   "diagnostics",
					Usage:  "show internal state",
					Action: handleDiagnostics,
				},
				{
					Name:      "add-node",
					Usage:     "ping a node to add it to the routing table",
					ArgsUsage: "host:port",
					Action:    handleAddNode,
				},
				{
					Name:      "get-peers",
					Usage:     "find peers of an info hash",
					ArgsUsage: "infohash",
					Flags: []cli.Flag{
						cli.BoolFlag{Name: "announce", Usage: "announce after lookup"},
						cli.BoolFlag{Name: "seed", Usage: "announce as seed"},
						cli.IntFlag{Name: "port", Usage: "announced port, 0 means source port"},
						cli.IntFlag{Name: "timeout", Usage: "seconds to wait", Value: 30},
					},
					Action: handleGetPeers,
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func handleBeforeCommand(c *cli.Context) error {
	return logger.SetLevels(c.GlobalString("log-level"))
}

func handleRun(c *cli.Context) error {
	cfg, err := dht.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	r := dht.NewRegistry(*cfg)
	if err = r.Start(); err != nil {
		return err
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	s := <-ch
	logger.New("dhtnode").Infof("received %s, stopping", s)
	r.Close()
	return nil
}

func handleBeforeClient(c *cli.Context) error {
	clt = rpcclient.New(c.String("url"))
	clt.SetFamily(c.String("family"))
	return nil
}

func handleAfterClient(c *cli.Context) error {
	if clt != nil {
		return clt.Close()
	}
	return nil
}

func handleStats(c *cli.Context) error {
	s, err := clt.GetStats()
	if err != nil {
		return err
	}
	b, err := jsonutil.MarshalCompactPretty(s)
	if err != nil {
		return err
	}
	_, _ = os.Stdout.Write(b)
	return nil
}

func handleMetrics(c *cli.Context) error {
	m, err := clt.GetMetrics()
	if err != nil {
		return err
	}
	b, err := jsonutil.MarshalMap(m)
	if err != nil {
		return err
	}
	_, _ = os.Stdout.Write(b)
	return nil
}

func handleDiagnostics(c *cli.Context) error {
	s, err := clt.GetDiagnostics()
	if err != nil {
		return err
	}
	fmt.Print(s)
	return nil
}

func handleAddNode(c *cli.Context) error {
	host, portStr, err := net.SplitHostPort(c.Args().First())
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}
	return clt.AddNode(host, port)
}

func handleGetPeers(c *cli.Context) error {
	resp, err := clt.GetPeers(rpctypes.GetPeersRequest{
		InfoHash: c.Args().First(),
		Announce: c.Bool("announce"),
		Seed:     c.Bool("seed"),
		Port:     c.Int("port"),
		Timeout:  c.Int("timeout"),
	})
	if err != nil {
		return err
	}
	for _, p := range resp.Peers {
		fmt.Println(p)
	}
	if c.Bool("announce") {
		fmt.Printf("announced to %d nodes\n", resp.Announced)
	}
	return nil
}
