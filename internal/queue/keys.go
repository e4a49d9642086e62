package queue

// keys builds the namespaced Redis key set. All job state lives under
// one prefix so multiple queues can share a server.
type keys struct {
	prefix string
}

func newKeys(namespace string) keys {
	if namespace == "" {
		namespace = "foreman"
	}
	return keys{prefix: namespace + ":"}
}

func (k keys) waiting() string   { return k.prefix + "waiting" }
func (k keys) delayed() string   { return k.prefix + "delayed" }
func (k keys) active() string    { return k.prefix + "active" }
func (k keys) completed() string { return k.prefix + "completed" }
func (k keys) failed() string    { return k.prefix + "failed" }
func (k keys) results() string   { return k.prefix + "results" }
func (k keys) seq() string       { return k.prefix + "seq" }
func (k keys) events() string    { return k.prefix + "events" }

func (k keys) job(jobID string) string    { return k.prefix + "job:" + jobID }
func (k keys) taskIndex(id string) string { return k.prefix + "task:" + id }
