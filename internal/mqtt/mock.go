package mqtt

import "sync"

// MockBroker implements Publisher in memory so bridge tests run without a
// broker. It records every publish, tracks retained state the way a broker
// would, and lets tests inject messages into subscriptions.
type MockBroker struct {
	mu       sync.Mutex
	base     string
	prefix   string
	messages map[string][][]byte
	retained map[string][]byte
	handlers map[string]MessageHandler
}

// NewMockBroker creates a broker with the default topic layout.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		base:     "xtoolbridge",
		prefix:   "homeassistant",
		messages: make(map[string][][]byte),
		retained: make(map[string][]byte),
		handlers: make(map[string]MessageHandler),
	}
}

func (m *MockBroker) BaseTopic() string {
	return m.base
}

func (m *MockBroker) DiscoveryPrefix() string {
	return m.prefix
}

func (m *MockBroker) Publish(topic string, retained bool, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	m.messages[topic] = append(m.messages[topic], buf)
	if retained {
		// An empty retained payload clears the retained message.
		if len(buf) == 0 {
			delete(m.retained, topic)
		} else {
			m.retained[topic] = buf
		}
	}
	return nil
}

func (m *MockBroker) Subscribe(topic string, handler MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *MockBroker) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	return nil
}

// Inject delivers a message to the handler subscribed on topic, simulating
// an incoming publish. Returns false when nothing is subscribed.
func (m *MockBroker) Inject(topic string, payload []byte) bool {
	m.mu.Lock()
	handler, ok := m.handlers[topic]
	m.mu.Unlock()
	if !ok {
		return false
	}
	handler(topic, payload)
	return true
}

// Messages returns every payload published to topic, in order.
func (m *MockBroker) Messages(topic string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.messages[topic]))
	copy(out, m.messages[topic])
	return out
}

// Last returns the most recent payload published to topic.
func (m *MockBroker) Last(topic string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[topic]
	if len(msgs) == 0 {
		return nil, false
	}
	return msgs[len(msgs)-1], true
}

// Retained returns the retained payload on topic, if any.
func (m *MockBroker) Retained(topic string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.retained[topic]
	return payload, ok
}

// Subscribed reports whether a handler is registered on topic.
func (m *MockBroker) Subscribed(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[topic]
	return ok
}
