package bus

import "testing"

func TestJobTopics_ShareJobPrefix(t *testing.T) {
	topics := []string{TopicJobCreated, TopicJobStarted, TopicJobResult, TopicJobCompleted, TopicJobFailed}
	seen := map[string]bool{}
	for _, topic := range topics {
		if len(topic) <= len(TopicJobPrefix) || topic[:len(TopicJobPrefix)] != TopicJobPrefix {
			t.Fatalf("topic %q does not start with %q", topic, TopicJobPrefix)
		}
		if seen[topic] {
			t.Fatalf("duplicate topic %q", topic)
		}
		seen[topic] = true
	}
}

func TestPublish_NilBusIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TopicJobCreated, JobEvent{JobID: "x"})
}
