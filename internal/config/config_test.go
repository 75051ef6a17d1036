package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fortify-onion/fortify/internal/config"
	"github.com/stretchr/testify/suite"
)

const digest = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

const baseConfig = `
node-id = "node-1"
private = 1
`

type ConfigTestSuite struct {
	suite.Suite

	keyFile string
}

func (suite *ConfigTestSuite) SetupSuite() {
	suite.keyFile = filepath.Join(suite.T().TempDir(), "node.key")
	suite.Require().NoError(os.WriteFile(suite.keyFile, []byte("key"), 0o600))
}

func (suite *ConfigTestSuite) document(extra string) string {
	return `
node-id = "node-1"

[public]
bind-to = "127.0.0.1:8080"
address = "node1.onion:80"

[passport]
private-key-file = "` + suite.keyFile + `"
` + extra
}

func (suite *ConfigTestSuite) TestFull() {
	conf, err := config.Parse([]byte(suite.document(`
ttl = "45s"
peers = { node-2 = "cHVibGlj" }

[passport.anti-replay]
enabled = true
max-size = "2MiB"
error-rate = 0.01

[admin]
enabled = true
bind-to = "127.0.0.1:8081"
allowlist = ["127.0.0.1", "10.0.0.0/8"]
tokens = { alice = "` + digest + `" }

[intensity]
level = -3
requests-per-second = 2.5
burst = 7
challenge-ttl = "2m"

[cluster]
enabled = true
bind-to = "0.0.0.0:7946"
peers = { node-2 = "10.0.0.2:7946" }

[cluster.redis]
enabled = true
address = "127.0.0.1:6379"
password = "hunter2"

[upstream]
enabled = "yes"
address = "/run/haproxy/admin.sock"
table = "circuits"

[stats.statsd]
enabled = true
address = "127.0.0.1:8125"
tag-format = "datadog"
`)))
	suite.Require().NoError(err)
	suite.Require().NoError(conf.Validate())

	suite.Equal("node-1", conf.NodeID)
	suite.Equal(45*time.Second, conf.Passport.TTL.Get(time.Second))
	suite.EqualValues(2*1024*1024, conf.Passport.AntiReplay.MaxSize.Get(0))
	suite.InEpsilon(0.01, conf.Passport.AntiReplay.ErrorRate.Get(0.1), 0.0001)
	suite.Equal("cHVibGlj", conf.Passport.Peers["node-2"])
	suite.Equal(-3, conf.Intensity.Level.Get(0))
	suite.True(conf.Upstream.Enabled.Get(false))
	suite.Equal("datadog", conf.Stats.StatsD.TagFormat.Get("influxdb"))
	suite.Equal(map[string]string{"node-2": "10.0.0.2:7946"}, conf.ClusterPeers())
	suite.Equal(map[string]string{"alice": digest}, conf.AdminTokens())

	allowlist := conf.AdminAllowlist()
	suite.Len(allowlist, 2)
	suite.Equal("127.0.0.1/32", allowlist[0].String())

	table := conf.Table()
	suite.InEpsilon(2.5, table.RequestsPerSecond.Base, 0.0001)
	suite.InEpsilon(7, table.Burst.Base, 0.0001)
	suite.InEpsilon(120, table.ChallengeTTL.Base, 0.0001)
	suite.InEpsilon(5, table.FailureThreshold.Base, 0.0001)

	rendered := conf.String()
	suite.NotContains(rendered, digest)
	suite.NotContains(rendered, "hunter2")
	suite.Contains(rendered, "node-1")
}

func (suite *ConfigTestSuite) TestDefaultsAreKept() {
	conf, err := config.Parse([]byte(suite.document("")))
	suite.Require().NoError(err)
	suite.Require().NoError(conf.Validate())

	suite.Equal(0, conf.Intensity.Level.Get(0))
	suite.Equal(7, conf.Intensity.Level.Get(7))
	suite.False(conf.Admin.Enabled.Get(false))
	suite.Equal("/metrics", conf.Stats.Prometheus.HTTPPath.Get("/metrics"))
}

func (suite *ConfigTestSuite) TestUnknownKey() {
	_, err := config.Parse([]byte(baseConfig))
	suite.Error(err)
}

func (suite *ConfigTestSuite) TestIncorrectValues() {
	documents := map[string]string{
		"intensity":   "[intensity]\nlevel = 11\n",
		"duration":    "[reputation]\nban-max = \"forever\"\n",
		"bytes":       "[pool.overflow]\nmax-size = \"lots\"\n",
		"cidr":        "[admin]\nallowlist = [\"10.0.0.0/33\"]\n",
		"digest":      "[admin.tokens]\nalice = \"plain-token\"\n",
		"tag format":  "[stats.statsd]\ntag-format = \"xml\"\n",
		"http path":   "[stats.prometheus]\nhttp-path = \"metrics\"\n",
		"prefix":      "[stats.prometheus]\nmetric-prefix = \"9lives\"\n",
		"host port":   "[cluster]\nbind-to = \"localhost\"\n",
		"concurrency": "[pool]\nworkers = 0\n",
		"error rate":  "[passport.anti-replay]\nerror-rate = 1.5\n",
		"rate":        "[intensity]\nrequests-per-second = -1\n",
		"bool":        "[admin]\nenabled = \"maybe\"\n",
	}

	for name, extra := range documents {
		_, err := config.Parse([]byte(suite.document("") + extra))
		suite.Error(err, name)
	}
}

func (suite *ConfigTestSuite) TestValidate() {
	documents := map[string]string{
		"admin without tokens": "[admin]\nenabled = true\nbind-to = \"127.0.0.1:8081\"\nallowlist = [\"127.0.0.1\"]\n",
		"hard below capacity":  "[intensity]\nload-capacity = 100\nload-hard-limit = 50\n",
		"cluster without bind": "[cluster]\nenabled = true\n",
		"upstream bad table":   "[upstream]\nenabled = true\naddress = \"/tmp/sock\"\ntable = \"a b\"\n",
		"prometheus no bind":   "[stats.prometheus]\nenabled = true\n",
		"redis no address":     "[cluster.redis]\nenabled = true\n",
	}

	for name, extra := range documents {
		conf, err := config.Parse([]byte(suite.document("") + extra))
		suite.Require().NoError(err, name)
		suite.Error(conf.Validate(), name)
	}

	conf, err := config.Parse([]byte(strings.Replace(suite.document(""), `node-id = "node-1"`, `node-id = "node 1"`, 1)))
	suite.Require().NoError(err)
	suite.Error(conf.Validate())
}

func (suite *ConfigTestSuite) TestReadConfig() {
	path := filepath.Join(suite.T().TempDir(), "config.toml")
	suite.Require().NoError(os.WriteFile(path, []byte(suite.document("")), 0o600))

	conf, err := config.ReadConfig(path)
	suite.Require().NoError(err)
	suite.Equal("127.0.0.1:8080", conf.Public.BindTo.Get(""))

	_, err = config.ReadConfig(path + ".missing")
	suite.Error(err)
}

func TestConfig(t *testing.T) {
	t.Parallel()
	suite.Run(t, &ConfigTestSuite{})
}
