// Package storetest provides an in-memory Store used by package tests.
// Documents are kept as decoded JSON trees so the restricted path dialect
// behaves like the real document store.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arborworks/arbor/internal/store"
)

// Mem is a process-local Store. Safe for concurrent use.
type Mem struct {
	mu        sync.Mutex
	docs      map[string]any
	ephemeral map[string][]byte
	published []store.PubMessage
	subs      []*memSubscription
}

// NewMem returns an empty in-memory store.
func NewMem() *Mem {
	return &Mem{
		docs:      make(map[string]any),
		ephemeral: make(map[string][]byte),
	}
}

// Published returns a copy of everything published so far.
func (m *Mem) Published() []store.PubMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.PubMessage, len(m.published))
	copy(out, m.published)
	return out
}

// PublishedTo returns payloads published to one channel.
func (m *Mem) PublishedTo(channel string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.published {
		if msg.Channel == channel {
			out = append(out, msg.Payload)
		}
	}
	return out
}

func (m *Mem) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	m.mu.Lock()
	doc, ok := m.docs[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, reencode(doc, dest)
}

func (m *Mem) SetJSON(ctx context.Context, key string, value any) error {
	tree, err := toTree(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[key] = tree
	return nil
}

func (m *Mem) PatchJSON(ctx context.Context, key, path string, value any) error {
	tree, err := toTree(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	if !ok {
		return fmt.Errorf("storetest: patch missing key %s", key)
	}
	updated, err := setAtPath(doc, path, tree)
	if err != nil {
		return fmt.Errorf("storetest: %s %s: %w", key, path, err)
	}
	m.docs[key] = updated
	return nil
}

func (m *Mem) AppendJSON(ctx context.Context, key, path string, elems ...any) error {
	trees := make([]any, len(elems))
	for i, elem := range elems {
		tree, err := toTree(elem)
		if err != nil {
			return err
		}
		trees[i] = tree
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	if !ok {
		return fmt.Errorf("storetest: append to missing key %s", key)
	}
	arr, err := getAtPath(doc, path)
	if err != nil {
		return fmt.Errorf("storetest: %s %s: %w", key, path, err)
	}
	list, ok := arr.([]any)
	if !ok {
		return fmt.Errorf("storetest: %s %s is not an array", key, path)
	}
	updated, err := setAtPath(doc, path, append(list, trees...))
	if err != nil {
		return err
	}
	m.docs[key] = updated
	return nil
}

func (m *Mem) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, key)
	delete(m.ephemeral, key)
	return nil
}

func (m *Mem) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[key]; ok {
		return true, nil
	}
	_, ok := m.ephemeral[key]
	return ok, nil
}

func (m *Mem) SetEphemeral(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ephemeral[key] = payload
	return nil
}

func (m *Mem) GetEphemeral(ctx context.Context, key string, dest any) (bool, error) {
	m.mu.Lock()
	payload, ok := m.ephemeral[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(payload, dest)
}

func (m *Mem) Keys(ctx context.Context, pattern string) ([]string, error) {
	prefix := strings.TrimSuffix(pattern, "*")
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.docs {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	for key := range m.ephemeral {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *Mem) Publish(ctx context.Context, channel string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := store.PubMessage{Channel: channel, Payload: string(encoded)}
	m.mu.Lock()
	m.published = append(m.published, msg)
	subs := make([]*memSubscription, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(msg)
	}
	return nil
}

func (m *Mem) Subscribe(ctx context.Context, channels ...string) (store.Subscription, error) {
	sub := &memSubscription{
		channels: make(map[string]struct{}, len(channels)),
		out:      make(chan store.PubMessage, 64),
	}
	for _, ch := range channels {
		sub.channels[ch] = struct{}{}
	}
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()
	return sub, nil
}

type memSubscription struct {
	channels map[string]struct{}
	out      chan store.PubMessage
	once     sync.Once
}

func (s *memSubscription) deliver(msg store.PubMessage) {
	if _, ok := s.channels[msg.Channel]; !ok {
		return
	}
	select {
	case s.out <- msg:
	default:
	}
}

func (s *memSubscription) Messages() <-chan store.PubMessage {
	return s.out
}

func (s *memSubscription) Close() error {
	s.once.Do(func() { close(s.out) })
	return nil
}

func toTree(value any) (any, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var tree any
	if err := json.Unmarshal(payload, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func reencode(tree any, dest any) error {
	payload, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, dest)
}

// Path handling for the restricted dialect: "$", "$.field", "$[i]",
// "$[i].field".

type pathStep struct {
	field string
	index int
}

func parsePath(path string) ([]pathStep, error) {
	if !strings.HasPrefix(path, "$") {
		return nil, fmt.Errorf("path must start with $: %q", path)
	}
	rest := path[1:]
	var steps []pathStep
	for rest != "" {
		switch {
		case strings.HasPrefix(rest, "."):
			rest = rest[1:]
			end := strings.IndexAny(rest, ".[")
			if end == -1 {
				end = len(rest)
			}
			steps = append(steps, pathStep{field: rest[:end], index: -1})
			rest = rest[end:]
		case strings.HasPrefix(rest, "["):
			end := strings.Index(rest, "]")
			if end == -1 {
				return nil, fmt.Errorf("unterminated index in %q", path)
			}
			idx, err := strconv.Atoi(rest[1:end])
			if err != nil {
				return nil, fmt.Errorf("bad index in %q: %w", path, err)
			}
			steps = append(steps, pathStep{index: idx})
			rest = rest[end+1:]
		default:
			return nil, fmt.Errorf("unexpected path syntax: %q", path)
		}
	}
	return steps, nil
}

func getAtPath(doc any, path string) (any, error) {
	steps, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	node := doc
	for _, step := range steps {
		if step.field != "" {
			obj, ok := node.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("not an object at %q", step.field)
			}
			node = obj[step.field]
		} else {
			arr, ok := node.([]any)
			if !ok || step.index < 0 || step.index >= len(arr) {
				return nil, fmt.Errorf("bad array index %d", step.index)
			}
			node = arr[step.index]
		}
	}
	return node, nil
}

func setAtPath(doc any, path string, value any) (any, error) {
	steps, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return value, nil
	}
	return setSteps(doc, steps, value)
}

func setSteps(node any, steps []pathStep, value any) (any, error) {
	step := steps[0]
	if step.field != "" {
		obj, ok := node.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("not an object at %q", step.field)
		}
		if len(steps) == 1 {
			obj[step.field] = value
			return obj, nil
		}
		child, err := setSteps(obj[step.field], steps[1:], value)
		if err != nil {
			return nil, err
		}
		obj[step.field] = child
		return obj, nil
	}
	arr, ok := node.([]any)
	if !ok || step.index < 0 || step.index >= len(arr) {
		return nil, fmt.Errorf("bad array index %d", step.index)
	}
	if len(steps) == 1 {
		arr[step.index] = value
		return arr, nil
	}
	child, err := setSteps(arr[step.index], steps[1:], value)
	if err != nil {
		return nil, err
	}
	arr[step.index] = child
	return arr, nil
}
