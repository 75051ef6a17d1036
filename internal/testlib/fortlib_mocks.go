package testlib

import (
	"context"
	"sync"

	"github.com/fortify-onion/fortify/fortlib"
	"github.com/stretchr/testify/mock"
)

type FortlibReputationStoreMock struct {
	mock.Mock
}

func (m *FortlibReputationStoreMock) State(id string) (fortlib.State, error) {
	args := m.Called(id)

	return args.Get(0).(fortlib.State), args.Error(1) //nolint: wrapcheck, forcetypeassert
}

func (m *FortlibReputationStoreMock) RecordActivity(id string) error {
	return m.Called(id).Error(0) //nolint: wrapcheck
}

func (m *FortlibReputationStoreMock) MarkChallenged(id string) error {
	return m.Called(id).Error(0) //nolint: wrapcheck
}

func (m *FortlibReputationStoreMock) RecordChallengeOutcome(id string, success bool) (fortlib.State, error) {
	args := m.Called(id, success)

	return args.Get(0).(fortlib.State), args.Error(1) //nolint: wrapcheck, forcetypeassert
}

func (m *FortlibReputationStoreMock) Promote(id string) error {
	return m.Called(id).Error(0) //nolint: wrapcheck
}

type FortlibChallengePoolMock struct {
	mock.Mock
}

func (m *FortlibChallengePoolMock) Issue(identity string, difficulty int) (fortlib.ChallengeView, error) {
	args := m.Called(identity, difficulty)

	return args.Get(0).(fortlib.ChallengeView), args.Error(1) //nolint: wrapcheck, forcetypeassert
}

func (m *FortlibChallengePoolMock) Verify(challengeID, identity, answer string) bool {
	return m.Called(challengeID, identity, answer).Bool(0)
}

type FortlibPassportIssuerMock struct {
	mock.Mock
}

func (m *FortlibPassportIssuerMock) Mint(target string) (string, error) {
	args := m.Called(target)

	return args.String(0), args.Error(1) //nolint: wrapcheck
}

type FortlibPassportValidatorMock struct {
	mock.Mock
}

func (m *FortlibPassportValidatorMock) Validate(token string) error {
	return m.Called(token).Error(0) //nolint: wrapcheck
}

type FortlibClusterMock struct {
	mock.Mock
}

func (m *FortlibClusterMock) CanMint() bool {
	return m.Called().Bool(0)
}

func (m *FortlibClusterMock) RedirectTarget() (fortlib.Peer, bool) {
	args := m.Called()

	return args.Get(0).(fortlib.Peer), args.Bool(1) //nolint: forcetypeassert
}

type FortlibUpstreamMock struct {
	mock.Mock
}

func (m *FortlibUpstreamMock) MarkTrusted(id string) {
	m.Called(id)
}

func (m *FortlibUpstreamMock) MarkBanned(id string) {
	m.Called(id)
}

// EventStreamMock records every event it gets.
type EventStreamMock struct {
	mu     sync.Mutex
	events []fortlib.Event
}

func (e *EventStreamMock) Send(_ context.Context, evt fortlib.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.events = append(e.events, evt)
}

// Events returns a copy of received events.
func (e *EventStreamMock) Events() []fortlib.Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]fortlib.Event{}, e.events...)
}

// Decided returns verdicts of received EventDecided in order.
func (e *EventStreamMock) Decided() []fortlib.EventDecided {
	rv := []fortlib.EventDecided{}

	for _, evt := range e.Events() {
		if decided, ok := evt.(fortlib.EventDecided); ok {
			rv = append(rv, decided)
		}
	}

	return rv
}
