package upstream

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type DialerMock struct {
	mock.Mock
}

func (d *DialerMock) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	args := d.Called(ctx, network, address)

	conn, _ := args.Get(0).(net.Conn)

	return conn, args.Error(1)
}

type CooldownDialerTestSuite struct {
	suite.Suite

	mu             sync.Mutex
	now            time.Time
	d              Dialer
	ctx            context.Context
	ctxCancel      context.CancelFunc
	baseDialerMock *DialerMock
}

func (suite *CooldownDialerTestSuite) clock() time.Time {
	suite.mu.Lock()
	defer suite.mu.Unlock()

	return suite.now
}

func (suite *CooldownDialerTestSuite) SetupTest() {
	suite.now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	suite.ctx, suite.ctxCancel = context.WithCancel(context.Background())
	suite.baseDialerMock = &DialerMock{}
	suite.d = newCooldownDialer(suite.baseDialerMock, 3, time.Minute, suite.clock)
}

func (suite *CooldownDialerTestSuite) TearDownTest() {
	suite.ctxCancel()
	suite.baseDialerMock.AssertExpectations(suite.T())
}

func (suite *CooldownDialerTestSuite) TestFromAvailableToCooldown() {
	suite.baseDialerMock.On("DialContext", mock.Anything, "unix", "/run/haproxy.sock").
		Times(3).
		Return(nil, io.EOF)

	for i := 0; i < 3; i++ {
		_, err := suite.d.DialContext(suite.ctx, "unix", "/run/haproxy.sock")
		suite.True(errors.Is(err, io.EOF))
	}

	_, err := suite.d.DialContext(suite.ctx, "unix", "/run/haproxy.sock")
	suite.True(errors.Is(err, ErrCooldown))
}

func (suite *CooldownDialerTestSuite) TestCooldownRecovery() {
	server, client := net.Pipe()
	defer server.Close()

	suite.baseDialerMock.On("DialContext", mock.Anything, "unix", "/run/haproxy.sock").
		Times(3).
		Return(nil, io.EOF)
	suite.baseDialerMock.On("DialContext", mock.Anything, "unix", "/run/other.sock").
		Once().
		Return(client, nil)

	for i := 0; i < 3; i++ {
		suite.d.DialContext(suite.ctx, "unix", "/run/haproxy.sock") //nolint: errcheck
	}

	_, err := suite.d.DialContext(suite.ctx, "unix", "/run/other.sock")
	suite.True(errors.Is(err, ErrCooldown))

	suite.mu.Lock()
	suite.now = suite.now.Add(time.Minute + time.Second)
	suite.mu.Unlock()

	conn, err := suite.d.DialContext(suite.ctx, "unix", "/run/other.sock")
	suite.NoError(err)
	suite.Equal(client, conn)
}

func (suite *CooldownDialerTestSuite) TestClosedContext() {
	server, client := net.Pipe()
	defer server.Close()

	suite.baseDialerMock.On("DialContext", mock.Anything, "tcp", "127.0.0.1:9999").
		Once().
		Return(client, nil)

	suite.ctxCancel()

	_, err := suite.d.DialContext(suite.ctx, "tcp", "127.0.0.1:9999")
	suite.ErrorIs(err, context.Canceled)
}

func TestCooldownDialer(t *testing.T) {
	t.Parallel()
	suite.Run(t, &CooldownDialerTestSuite{})
}
