package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/fortify-onion/fortify/intensity"
	"github.com/fortify-onion/fortify/upstream"
)

type Optional struct {
	Enabled TypeBool `json:"enabled"`
}

type Config struct {
	Debug          TypeBool     `json:"debug"`
	NodeID         string       `json:"node-id"`
	IdentityHeader string       `json:"identity-header"`
	RejectFloor    TypeDuration `json:"reject-floor"`
	RetryAfter     TypeDuration `json:"retry-after"`
	Public         struct {
		BindTo TypeHostPort `json:"bind-to"`
		// Address is advertised to peers as a redirect target.
		Address string `json:"address"`
	} `json:"public"`
	Admin struct {
		Optional

		BindTo    TypeHostPort               `json:"bind-to"`
		Allowlist []TypeCIDR                 `json:"allowlist"`
		Tokens    map[string]TypeTokenDigest `json:"tokens"`
		AuditSize TypeConcurrency            `json:"audit-size"`
	} `json:"admin"`
	// Intensity: начальный уровень и базовые значения таблицы порогов.
	// Не заданные значения берутся из intensity.DefaultTable.
	Intensity struct {
		Level                TypeIntensity   `json:"level"`
		RequestsPerSecond    TypeRateLimit   `json:"requests-per-second"`
		Burst                TypeConcurrency `json:"burst"`
		MaxConcurrent        TypeConcurrency `json:"max-concurrent"`
		FailureThreshold     TypeConcurrency `json:"failure-threshold"`
		LoadCapacity         TypeRateLimit   `json:"load-capacity"`
		LoadHardLimit        TypeRateLimit   `json:"load-hard-limit"`
		ChallengeTTL         TypeDuration    `json:"challenge-ttl"`
		TrustedIdle          TypeDuration    `json:"trusted-idle"`
		BanDuration          TypeDuration    `json:"ban-duration"`
		SyncGenerationBudget TypeRateLimit   `json:"sync-generation-budget"`
	} `json:"intensity"`
	Reputation struct {
		MaxRecords     TypeConcurrency `json:"max-records"`
		UnverifiedIdle TypeDuration    `json:"unverified-idle"`
		OffenseMemory  TypeDuration    `json:"offense-memory"`
		BanMax         TypeDuration    `json:"ban-max"`
		DecayInterval  TypeDuration    `json:"decay-interval"`
	} `json:"reputation"`
	Limiter struct {
		MaxEntries TypeConcurrency `json:"max-entries"`
		Cleanup    TypeDuration    `json:"cleanup"`
	} `json:"limiter"`
	Pool struct {
		Capacity          TypeConcurrency `json:"capacity"`
		MaxOutstanding    TypeConcurrency `json:"max-outstanding"`
		Workers           TypeConcurrency `json:"workers"`
		ReplenishInterval TypeDuration    `json:"replenish-interval"`
		DumpInterval      TypeDuration    `json:"dump-interval"`
		Overflow          struct {
			Optional

			Dir         string       `json:"dir"`
			MaxSize     TypeBytes    `json:"max-size"`
			MinFreeDisk TypeBytes    `json:"min-free-disk"`
			MaxAge      TypeDuration `json:"max-age"`
		} `json:"overflow"`
	} `json:"pool"`
	Passport struct {
		// PrivateKey is an inline base64 seed. PrivateKeyFile is preferred.
		PrivateKey     string            `json:"private-key"`
		PrivateKeyFile TypeFilePath      `json:"private-key-file"`
		KeyringFile    TypeFilePath      `json:"keyring-file"`
		Peers          map[string]string `json:"peers"`
		TTL            TypeDuration      `json:"ttl"`
		Skew           TypeDuration      `json:"skew"`
		AntiReplay     struct {
			Optional

			MaxSize   TypeBytes     `json:"max-size"`
			ErrorRate TypeErrorRate `json:"error-rate"`
		} `json:"anti-replay"`
	} `json:"passport"`
	Cluster struct {
		Optional

		BindTo            TypeHostPort            `json:"bind-to"`
		Peers             map[string]TypeHostPort `json:"peers"`
		HeartbeatInterval TypeDuration            `json:"heartbeat-interval"`
		MissedHeartbeats  TypeConcurrency         `json:"missed-heartbeats"`
		RemoveAfter       TypeDuration            `json:"remove-after"`
		ForgetAfter       TypeDuration            `json:"forget-after"`
		Redis             struct {
			Optional

			Address   TypeHostPort `json:"address"`
			Password  string       `json:"password"`
			DB        int          `json:"db"`
			KeyPrefix string       `json:"key-prefix"`
			Timeout   TypeDuration `json:"timeout"`
			Reconcile TypeDuration `json:"reconcile-interval"`
		} `json:"redis"`
	} `json:"cluster"`
	// Upstream: команды HAProxy runtime API.
	Upstream struct {
		Optional

		// Address is a unix socket path or host:port.
		Address           string          `json:"address"`
		Table             string          `json:"table"`
		Timeout           TypeDuration    `json:"timeout"`
		QueueSize         TypeConcurrency `json:"queue-size"`
		MaxRetries        TypeConcurrency `json:"max-retries"`
		RetryBase         TypeDuration    `json:"retry-base"`
		RetryInterval     TypeDuration    `json:"retry-interval"`
		CooldownThreshold TypeConcurrency `json:"cooldown-threshold"`
		Cooldown          TypeDuration    `json:"cooldown"`
	} `json:"upstream"`
	Stats struct {
		StatsD struct {
			Optional

			Address      TypeHostPort        `json:"address"`
			MetricPrefix TypeMetricPrefix    `json:"metric-prefix"`
			TagFormat    TypeStatsdTagFormat `json:"tag-format"`
		} `json:"statsd"`
		Prometheus struct {
			Optional

			BindTo       TypeHostPort     `json:"bind-to"`
			HTTPPath     TypeHTTPPath     `json:"http-path"`
			MetricPrefix TypeMetricPrefix `json:"metric-prefix"`
		} `json:"prometheus"`
	} `json:"stats"`
}

func (c *Config) Validate() error { //nolint: cyclop
	if c.NodeID == "" || !upstream.Safe(c.NodeID) {
		return fmt.Errorf("incorrect node-id %q", c.NodeID)
	}

	if c.Public.BindTo.Get("") == "" {
		return fmt.Errorf("incorrect public.bind-to parameter %s", c.Public.BindTo.String())
	}

	if (c.Passport.PrivateKey == "") == (c.Passport.PrivateKeyFile.Get("") == "") {
		return fmt.Errorf("exactly one of passport.private-key and passport.private-key-file is required")
	}

	if c.Admin.Enabled.Get(false) {
		switch {
		case c.Admin.BindTo.Get("") == "":
			return fmt.Errorf("admin.bind-to is required when admin is enabled")
		case len(c.Admin.Tokens) == 0:
			return fmt.Errorf("admin.tokens are required when admin is enabled")
		case len(c.Admin.Allowlist) == 0:
			return fmt.Errorf("admin.allowlist is required when admin is enabled")
		}
	}

	// Пороги нагрузки: жёсткий предел не может быть ниже мягкого
	table := c.Table()
	if table.LoadHardLimit.Base < table.LoadCapacity.Base {
		return fmt.Errorf("intensity.load-hard-limit is lower than intensity.load-capacity")
	}

	if c.Cluster.Enabled.Get(false) {
		switch {
		case c.Cluster.BindTo.Get("") == "":
			return fmt.Errorf("cluster.bind-to is required when cluster is enabled")
		case c.Public.Address == "":
			return fmt.Errorf("public.address is required when cluster is enabled")
		}

		for id := range c.Cluster.Peers {
			if id == c.NodeID {
				return fmt.Errorf("cluster.peers contain this node")
			}
		}
	}

	if c.Cluster.Redis.Enabled.Get(false) && c.Cluster.Redis.Address.Get("") == "" {
		return fmt.Errorf("cluster.redis.address is required when redis is enabled")
	}

	if c.Pool.Overflow.Enabled.Get(false) && c.Pool.Overflow.Dir == "" {
		return fmt.Errorf("pool.overflow.dir is required when overflow is enabled")
	}

	if c.Upstream.Enabled.Get(false) {
		if c.Upstream.Address == "" {
			return fmt.Errorf("upstream.address is required when upstream is enabled")
		}

		if c.Upstream.Table == "" || !upstream.Safe(c.Upstream.Table) {
			return fmt.Errorf("incorrect upstream.table %q", c.Upstream.Table)
		}
	}

	// Prometheus: bind-to обязателен если включён
	if c.Stats.Prometheus.Enabled.Get(false) {
		if c.Stats.Prometheus.BindTo.Get("") == "" {
			return fmt.Errorf("prometheus.bind-to is required when prometheus is enabled")
		}
	}

	// StatsD: address обязателен если включён
	if c.Stats.StatsD.Enabled.Get(false) {
		if c.Stats.StatsD.Address.Get("") == "" {
			return fmt.Errorf("statsd.address is required when statsd is enabled")
		}
	}

	return nil
}

// Table returns an intensity table with configured base values.
func (c *Config) Table() intensity.Table {
	table := intensity.DefaultTable()
	conf := c.Intensity

	table.RequestsPerSecond.Base = conf.RequestsPerSecond.Get(table.RequestsPerSecond.Base)
	table.Burst.Base = float64(conf.Burst.Get(uint(table.Burst.Base)))
	table.MaxConcurrent.Base = float64(conf.MaxConcurrent.Get(uint(table.MaxConcurrent.Base)))
	table.FailureThreshold.Base = float64(conf.FailureThreshold.Get(uint(table.FailureThreshold.Base)))
	table.LoadCapacity.Base = conf.LoadCapacity.Get(table.LoadCapacity.Base)
	table.LoadHardLimit.Base = conf.LoadHardLimit.Get(table.LoadHardLimit.Base)
	table.SyncGenerationBudget.Base = conf.SyncGenerationBudget.Get(table.SyncGenerationBudget.Base)
	table.ChallengeTTL.Base = seconds(conf.ChallengeTTL, table.ChallengeTTL.Base)
	table.TrustedIdle.Base = seconds(conf.TrustedIdle, table.TrustedIdle.Base)
	table.BanDuration.Base = seconds(conf.BanDuration, table.BanDuration.Base)

	return table
}

// AdminAllowlist returns networks of the admin allowlist.
func (c *Config) AdminAllowlist() []net.IPNet {
	rv := make([]net.IPNet, 0, len(c.Admin.Allowlist))

	for _, v := range c.Admin.Allowlist {
		rv = append(rv, v.Value)
	}

	return rv
}

// AdminTokens returns digests of admin tokens by actor.
func (c *Config) AdminTokens() map[string]string {
	rv := make(map[string]string, len(c.Admin.Tokens))

	for actor, digest := range c.Admin.Tokens {
		rv[actor] = digest.Value
	}

	return rv
}

// ClusterPeers returns heartbeat endpoints of configured peers.
func (c *Config) ClusterPeers() map[string]string {
	rv := make(map[string]string, len(c.Cluster.Peers))

	for id, endpoint := range c.Cluster.Peers {
		rv[id] = endpoint.Value
	}

	return rv
}

func (c *Config) String() string {
	// Маскируем секреты для безопасного логирования
	safe := *c
	safe.Admin.Tokens = nil
	safe.Passport.PrivateKey = ""
	safe.Cluster.Redis.Password = ""

	buf := &bytes.Buffer{}
	encoder := json.NewEncoder(buf)

	encoder.SetEscapeHTML(false)

	if err := encoder.Encode(safe); err != nil {
		return "{}"
	}

	return buf.String()
}

func seconds(value TypeDuration, defaultValue float64) float64 {
	return value.Get(time.Duration(defaultValue * float64(time.Second))).Seconds()
}
