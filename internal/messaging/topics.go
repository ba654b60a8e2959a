package messaging

// Topic suffixes, appended to the configured prefix
const (
	TopicShares      = "shares"
	TopicConnections = "connections"
	TopicJobs        = "jobs"
	TopicHashrate    = "hashrate"
)

// Topics holds the full topic names for one prefix
type Topics struct {
	Shares      string
	Connections string
	Jobs        string
	Hashrate    string
}

// NewTopics builds "<prefix>.<suffix>" names. An empty prefix leaves the bare suffixes.
func NewTopics(prefix string) Topics {
	name := func(suffix string) string {
		if prefix == "" {
			return suffix
		}
		return prefix + "." + suffix
	}
	return Topics{
		Shares:      name(TopicShares),
		Connections: name(TopicConnections),
		Jobs:        name(TopicJobs),
		Hashrate:    name(TopicHashrate),
	}
}
