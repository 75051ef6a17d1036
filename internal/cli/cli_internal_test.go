package cli

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/suite"
)

const (
	testToken = "secret"
	testSeed  = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
	// sha256("secret")
	testDigest = "2bb80d537b1da3e38bd30361aa855686bde0eacd7162fef6a25fe97bf527a25b"
)

type CommandsTestSuite struct {
	suite.Suite

	transport  *httpmock.MockTransport
	output     *bytes.Buffer
	admin      net.Listener
	configPath string
}

func (suite *CommandsTestSuite) SetupTest() {
	suite.transport = httpmock.NewMockTransport()
	httpClient.Transport = suite.transport

	suite.output = &bytes.Buffer{}
	stdout = suite.output

	admin, err := net.Listen("tcp", "127.0.0.1:0")
	suite.Require().NoError(err)

	suite.admin = admin
	suite.configPath = filepath.Join(suite.T().TempDir(), "config.toml")

	document := `
node-id = "node-1"

[public]
bind-to = "0.0.0.0:8080"

[admin]
enabled = true
bind-to = "` + admin.Addr().String() + `"
allowlist = ["127.0.0.1"]
tokens = { ops = "` + testDigest + `" }

[passport]
private-key = "` + testSeed + `"
`
	suite.Require().NoError(os.WriteFile(suite.configPath, []byte(document), 0o600))
}

func (suite *CommandsTestSuite) TearDownTest() {
	suite.admin.Close()

	httpClient.Transport = nil
	stdout = os.Stdout
}

func (suite *CommandsTestSuite) adminURL() string {
	return "http://" + suite.admin.Addr().String() + "/intensity"
}

func (suite *CommandsTestSuite) TestHealth() {
	suite.transport.RegisterResponder(http.MethodGet, "http://127.0.0.1:8080/readyz",
		httpmock.NewStringResponder(http.StatusOK, `{"status":"ready"}`))

	suite.NoError(Health{ConfigPath: suite.configPath}.Run(nil, "dev"))
	suite.Equal(1, suite.transport.GetTotalCallCount())
}

func (suite *CommandsTestSuite) TestHealthLiveness() {
	suite.transport.RegisterResponder(http.MethodGet, "http://127.0.0.1:8080/healthz",
		httpmock.NewStringResponder(http.StatusOK, `{"status":"ok"}`))

	suite.NoError(Health{ConfigPath: suite.configPath, Liveness: true}.Run(nil, "dev"))
}

func (suite *CommandsTestSuite) TestHealthNotReady() {
	suite.transport.RegisterResponder(http.MethodGet, "http://127.0.0.1:8080/readyz",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, `{"status":"warming"}`))

	suite.ErrorContains(Health{ConfigPath: suite.configPath}.Run(nil, "dev"), "status 503")
}

func (suite *CommandsTestSuite) TestHealthAdminIsDown() {
	suite.transport.RegisterResponder(http.MethodGet, "http://127.0.0.1:8080/readyz",
		httpmock.NewStringResponder(http.StatusOK, `{}`))
	suite.admin.Close()

	suite.ErrorContains(Health{ConfigPath: suite.configPath}.Run(nil, "dev"), "TCP connect")
}

func (suite *CommandsTestSuite) TestIntensityGet() {
	suite.transport.RegisterResponder(http.MethodGet, suite.adminURL(),
		func(req *http.Request) (*http.Response, error) {
			suite.Equal("Bearer "+testToken, req.Header.Get("Authorization"))

			return httpmock.NewStringResponse(http.StatusOK, `{"level":2,"thresholds":{}}`), nil
		})

	err := Intensity{ConfigPath: suite.configPath, Token: testToken}.Run(nil, "dev")
	suite.NoError(err)
	suite.Contains(suite.output.String(), `"level": 2`)
}

func (suite *CommandsTestSuite) TestIntensitySet() {
	suite.transport.RegisterResponder(http.MethodPut, suite.adminURL(),
		func(req *http.Request) (*http.Response, error) {
			body := map[string]any{}

			suite.NoError(json.NewDecoder(req.Body).Decode(&body))
			suite.EqualValues(5, body["level"])
			suite.Equal("flood from exit relays", body["reason"])

			return httpmock.NewStringResponse(http.StatusOK, `{"level":5,"thresholds":{},"shared":true}`), nil
		})

	err := Intensity{
		ConfigPath: suite.configPath,
		Level:      "5",
		Reason:     "flood from exit relays",
		Token:      testToken,
	}.Run(nil, "dev")
	suite.NoError(err)
	suite.Contains(suite.output.String(), `"shared": true`)
}

func (suite *CommandsTestSuite) TestIntensityNeedsReason() {
	err := Intensity{ConfigPath: suite.configPath, Level: "5", Token: testToken}.Run(nil, "dev")
	suite.ErrorContains(err, "reason")
	suite.Zero(suite.transport.GetTotalCallCount())
}

func (suite *CommandsTestSuite) TestIntensityIncorrectLevel() {
	err := Intensity{ConfigPath: suite.configPath, Level: "high", Reason: "x", Token: testToken}.Run(nil, "dev")
	suite.ErrorContains(err, "incorrect level")
}

func (suite *CommandsTestSuite) TestIntensityRejected() {
	suite.transport.RegisterResponder(http.MethodGet, suite.adminURL(),
		httpmock.NewStringResponder(http.StatusUnauthorized, `{"error":"unauthorized"}`))

	err := Intensity{ConfigPath: suite.configPath, Token: "wrong"}.Run(nil, "dev")
	suite.ErrorContains(err, "401")
}

func (suite *CommandsTestSuite) TestIntensityWithoutToken() {
	suite.ErrorContains(Intensity{ConfigPath: suite.configPath}.Run(nil, "dev"), "token")
}

func (suite *CommandsTestSuite) TestPublicKey() {
	suite.NoError(PublicKey{ConfigPath: suite.configPath}.Run(nil, "dev"))
	// public key of the all-zero seed
	suite.Equal("node-1 = \"O2onvM62pC1io6jQKm8Nc2UyFXcd4kOmOsBIoYtZ2ik=\"\n", suite.output.String())
}

func (suite *CommandsTestSuite) TestGenerateKey() {
	suite.NoError(GenerateKey{}.Run(nil, "dev"))
	suite.Contains(suite.output.String(), "private-key = ")
	suite.Contains(suite.output.String(), "# public key: ")
}

func TestCommands(t *testing.T) {
	t.Parallel()
	suite.Run(t, &CommandsTestSuite{})
}

func TestLocalAddress(t *testing.T) {
	t.Parallel()

	testData := map[string]string{
		"0.0.0.0:8080":   "127.0.0.1:8080",
		":8080":          "127.0.0.1:8080",
		"[::]:8080":      "127.0.0.1:8080",
		"10.0.0.1:8080":  "10.0.0.1:8080",
		"localhost:8080": "localhost:8080",
	}

	for input, expected := range testData {
		if actual := localAddress(input); actual != expected {
			t.Errorf("localAddress(%q) = %q, expected %q", input, actual, expected)
		}
	}
}
