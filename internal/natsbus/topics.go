package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// TopicIPC carries worker requests to the gateway.
func TopicIPC(workerID string) string {
	return fmt.Sprintf("host.ipc.%s", workerID)
}

// TopicConsensusVote is where decisions are broadcast for workers to vote on.
func TopicConsensusVote(decisionType string) string {
	return fmt.Sprintf("swarm.consensus.%s", decisionType)
}

func TopicEventsSwarm(event string) string {
	return fmt.Sprintf("events.swarm.%s", event)
}

const (
	TopicIPCAll         = "host.ipc.*"
	TopicTopology       = "swarm.topology"
	TopicConsensusAll   = "swarm.consensus.*"
	TopicEventsAll      = "events.>"
	TopicEventsSwarmAll = "events.swarm.*"

	TopicEventsSecretCreated = "events.secret.created"
	TopicEventsSecretUpdated = "events.secret.updated"
	TopicEventsSecretDeleted = "events.secret.deleted"
)
