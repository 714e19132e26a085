package bus

import "strings"

// Board notification topics. Names are part of the push protocol seen by
// websocket clients and must not change.
const (
	TopicTaskCreated   = "task:created"
	TopicTaskUpdated   = "task:updated"
	TopicTaskDeleted   = "task:deleted"
	TopicTaskClaimed   = "task:claimed"
	TopicTaskCompleted = "task:completed"
	TopicTaskBlocked   = "task:blocked"
	TopicTasksArchived = "tasks:archived"
)

// BoardPrefix matches every board topic, both "task:" and "tasks:".
const BoardPrefix = "task"

var boardTopics = map[string]struct{}{
	TopicTaskCreated:   {},
	TopicTaskUpdated:   {},
	TopicTaskDeleted:   {},
	TopicTaskClaimed:   {},
	TopicTaskCompleted: {},
	TopicTaskBlocked:   {},
	TopicTasksArchived: {},
}

// IsBoardTopic reports whether topic is one of the board notification topics.
func IsBoardTopic(topic string) bool {
	if !strings.HasPrefix(topic, BoardPrefix) {
		return false
	}
	_, ok := boardTopics[topic]
	return ok
}
