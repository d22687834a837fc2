package rpctypes

type Stats struct {
	Type               string
	Status             string
	Bootstrapping      bool
	StartedAt          Time
	NumPeers           int
	NumTasks           int
	NumActiveTasks     int
	NumQueuedTasks     int
	NumEndpoints       int
	NumActiveEndpoints int
	NumSentPackets     int64
	NumReceivedPackets int64
	NumTimeouts        int64
	NumRPCCalls        int
	NumCachedLookups   int
	StoredKeys         int
	StoredPeers        int
	TokensIssued       int64
	TokensRejected     int64
}

type GetStatsRequest struct {
	Family string
}

type GetStatsResponse struct {
	Stats Stats
}

type GetMetricsRequest struct {
	Family string
}

type GetMetricsResponse struct {
	Metrics map[string]int64
}

type GetDiagnosticsRequest struct {
	Family string
}

type GetDiagnosticsResponse struct {
	Diagnostics string
}

type AddNodeRequest struct {
	Family string
	Host   string
	Port   int
}

type AddNodeResponse struct{}

type GetPeersRequest struct {
	Family string
	// Hex encoded info hash.
	InfoHash string
	// Announce after the lookup finishes.
	Announce bool
	Seed     bool
	// Announced port. 0 means the source port of the query.
	Port int
	// Max time to wait for the lookup in seconds.
	Timeout int
}

type GetPeersResponse struct {
	Peers     []string
	Announced int
}
