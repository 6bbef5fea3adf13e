// Package store provides the typed client for the external key/value,
// document, and pub/sub store that all tasks coordinate through. Document
// operations are atomic at the field/array-element level; callers rely on
// this for concurrent appenders. No cross-key transactions are offered.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Key prefixes and channels used by the core.
const (
	taskDataPrefix  = "task_data:"
	taskPrefix      = "task:"
	taskQueuePrefix = "task_queue:"
	apiCallPrefix   = "task_api_call:"
	throttlePrefix  = "throttle_state:"

	// ModelCatalogKey holds the short-name to ARN model catalog.
	ModelCatalogKey = "bedrock:converse:models"

	// KillRequestsChannel carries ids of tasks that must terminate.
	KillRequestsChannel = "kill_requests"

	// CallMarkerTTL bounds the lifetime of an in-flight call marker.
	// Markers older than this are considered abandoned.
	CallMarkerTTL = 300 * time.Second
)

// TaskDataKey returns the task record key for a task id.
func TaskDataKey(id string) string { return taskDataPrefix + id }

// ConversationKey returns the conversation log key for a task id.
func ConversationKey(id string) string { return taskPrefix + id }

// QueueKey returns the input queue key for a task id.
func QueueKey(id string) string { return taskQueuePrefix + id }

// CallMarkerKey returns the in-flight call marker key for a task id.
func CallMarkerKey(id string) string { return apiCallPrefix + id }

// ThrottleStateKey returns the throttle pressure key for a model.
func ThrottleStateKey(model string) string { return throttlePrefix + model }

// TaskMessagesChannel is the per-task notification channel.
func TaskMessagesChannel(id string) string { return "task_messages:" + id }

// ThrottleSuccessChannel carries successful-call events for a model.
func ThrottleSuccessChannel(model string) string { return "throttle_success:" + model }

// ThrottleExceptionChannel carries throttling events for a model.
func ThrottleExceptionChannel(model string) string { return "throttle_exception:" + model }

// TaskIDFromConversationKey recovers the task id from a task:{id} key.
func TaskIDFromConversationKey(key string) (string, bool) {
	if len(key) <= len(taskPrefix) || key[:len(taskPrefix)] != taskPrefix {
		return "", false
	}
	return key[len(taskPrefix):], true
}

// ErrNotFound is returned by typed getters when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// PubMessage is one message received on a subscription.
type PubMessage struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub stream. Close releases the underlying
// connection and closes the message channel.
type Subscription interface {
	Messages() <-chan PubMessage
	Close() error
}

// Store is the document/pub-sub surface the core depends on. Paths use a
// restricted JSONPath dialect: "$", "$.field", "$[i]", "$[i].field".
type Store interface {
	// GetJSON reads the document at key into dest. The boolean is false
	// when the key does not exist.
	GetJSON(ctx context.Context, key string, dest any) (bool, error)

	// SetJSON writes value as the whole document at key.
	SetJSON(ctx context.Context, key string, value any) error

	// PatchJSON atomically replaces the value at path within key.
	PatchJSON(ctx context.Context, key, path string, value any) error

	// AppendJSON atomically appends elements to the array at path.
	AppendJSON(ctx context.Context, key, path string, elems ...any) error

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// SetEphemeral writes a plain JSON string value with a TTL.
	SetEphemeral(ctx context.Context, key string, value any, ttl time.Duration) error

	// GetEphemeral reads a plain JSON string value. The boolean is false
	// when the key does not exist.
	GetEphemeral(ctx context.Context, key string, dest any) (bool, error)

	// Keys returns all keys matching the glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Publish sends payload (JSON-encoded) to a channel.
	Publish(ctx context.Context, channel string, payload any) error

	// Subscribe opens a stream over the given channels.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

// TurnPath addresses a whole turn within a conversation document.
func TurnPath(turn int) string { return fmt.Sprintf("$[%d]", turn) }

// TurnMessagesPath addresses a turn's message array.
func TurnMessagesPath(turn int) string { return fmt.Sprintf("$[%d].messages", turn) }

// TurnSummaryPath addresses a turn's summary field.
func TurnSummaryPath(turn int) string { return fmt.Sprintf("$[%d].turn_summary", turn) }
