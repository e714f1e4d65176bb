package votechain

import (
	"encoding/hex"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/chain/txvm/crypto/ed25519"
	"github.com/chain/txvm/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stellar/go/network"

	"github.com/interstellar/slingshot/votechain/covenant"
	"github.com/interstellar/slingshot/votechain/signer"
	"github.com/interstellar/slingshot/votechain/stellar"
)

// Configuration keys. Each is also a command-line flag and, upper-cased
// with a VOTECHAIN_ prefix, an environment variable.
const (
	ConfigKey     = "config"
	AddrKey       = "addr"
	DBKey         = "db"
	IntervalKey   = "interval"
	ServerKey     = "server"
	ContractKey   = "contract"
	CandidatesKey = "candidates"
	AmountKey     = "amount"
	FundingKey    = "funding"
	FeeKey        = "fee"
	AttemptsKey   = "attempts"
	StrictKey     = "strict"
	WaitKey       = "wait"
	SignerKey     = "signer"
	KeyKey        = "key"
	NetworkKey    = "network"
	HorizonKey    = "horizon"
)

const envPrefix = "votechain"

// Signer kinds.
const (
	SignerEd25519 = "ed25519"
	SignerStellar = "stellar"
)

// Config holds the settings shared by the votechain commands.
type Config struct {
	Addr     string
	DB       string
	Interval time.Duration

	Server     string
	Contract   string
	Candidates []string
	Amount     uint64
	Funding    uint64
	Fee        uint64
	Attempts   int
	Strict     bool
	Wait       bool

	Signer  string
	Key     string
	Network string
	Horizon string
}

// FlagSet returns the flags understood by LoadConfig.
func FlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	fs.String(ConfigKey, "", "config file (toml, yaml or json)")
	fs.String(AddrKey, "localhost:2423", "server listen address")
	fs.String(DBKey, "votechain.db", "path to db")
	fs.Duration(IntervalKey, DefaultBlockInterval, "block interval")
	fs.String(ServerKey, "http://localhost:2423", "votechaind server url")
	fs.String(ContractKey, "", "contract outpoint (txid:index)")
	fs.String(CandidatesKey, "", "comma-separated candidate names")
	fs.Uint64(AmountKey, 1, "value locked in a new contract")
	fs.Uint64(FundingKey, 1, "value added to each vote")
	fs.Uint64(FeeKey, 0, "part of the funding left to the ledger")
	fs.Int(AttemptsKey, DefaultAttempts, "vote attempts before giving up")
	fs.Bool(StrictKey, false, "reject votes for unknown candidates")
	fs.Bool(WaitKey, true, "wait for transactions to be committed")
	fs.String(SignerKey, SignerEd25519, "wallet kind: ed25519 or stellar")
	fs.String(KeyKey, "", "hex ed25519 private key, or stellar seed")
	fs.String(NetworkKey, network.TestNetworkPassphrase, "stellar network passphrase")
	fs.String(HorizonKey, "", "horizon url; if set, its network passphrase is used")

	return fs
}

// NewViper parses args with fs and layers the environment and an optional
// config file beneath them.
func NewViper(fs *flag.FlagSet, args []string) (*viper.Viper, error) {
	v := viper.New()

	pfs := pflag.NewFlagSet(fs.Name(), pflag.ContinueOnError)
	pfs.AddGoFlagSet(fs)
	if err := pfs.Parse(args); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(pfs); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if path := v.GetString(ConfigKey); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
	}
	return v, nil
}

// LoadConfig parses args and returns the resulting Config.
func LoadConfig(name string, args []string) (*Config, error) {
	v, err := NewViper(FlagSet(name), args)
	if err != nil {
		return nil, err
	}
	return ConfigFromViper(v), nil
}

// ConfigFromViper reads a Config out of v.
func ConfigFromViper(v *viper.Viper) *Config {
	var candidates []string
	for _, c := range strings.Split(v.GetString(CandidatesKey), ",") {
		if c = strings.TrimSpace(c); c != "" {
			candidates = append(candidates, c)
		}
	}
	return &Config{
		Addr:       v.GetString(AddrKey),
		DB:         v.GetString(DBKey),
		Interval:   v.GetDuration(IntervalKey),
		Server:     v.GetString(ServerKey),
		Contract:   v.GetString(ContractKey),
		Candidates: candidates,
		Amount:     v.GetUint64(AmountKey),
		Funding:    v.GetUint64(FundingKey),
		Fee:        v.GetUint64(FeeKey),
		Attempts:   v.GetInt(AttemptsKey),
		Strict:     v.GetBool(StrictKey),
		Wait:       v.GetBool(WaitKey),
		Signer:     v.GetString(SignerKey),
		Key:        v.GetString(KeyKey),
		Network:    v.GetString(NetworkKey),
		Horizon:    v.GetString(HorizonKey),
	}
}

// Validate checks the settings every command relies on.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("block interval must be positive, got %s", c.Interval)
	}
	if c.Fee > c.Funding {
		return fmt.Errorf("fee %d exceeds funding %d", c.Fee, c.Funding)
	}
	switch c.Signer {
	case SignerEd25519, SignerStellar:
	default:
		return fmt.Errorf("unknown signer %q", c.Signer)
	}
	if len(c.Candidates) != 0 && len(c.Candidates) != covenant.N {
		return fmt.Errorf("need %d candidates, got %d", covenant.N, len(c.Candidates))
	}
	return nil
}

// CandidateNames returns the configured candidates as a deploy argument.
func (c *Config) CandidateNames() ([covenant.N][]byte, error) {
	var names [covenant.N][]byte
	if len(c.Candidates) != covenant.N {
		return names, fmt.Errorf("need %d candidates, got %d", covenant.N, len(c.Candidates))
	}
	for i, name := range c.Candidates {
		names[i] = []byte(name)
	}
	return names, nil
}

// NewSigner builds the configured wallet around sub.
func NewSigner(c *Config, sub signer.Submitter) (signer.Signer, error) {
	switch c.Signer {
	case SignerEd25519:
		seed, err := hex.DecodeString(c.Key)
		if err != nil {
			return nil, errors.Wrap(err, "decoding ed25519 key")
		}
		if len(seed) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("ed25519 key has %d bytes, want %d", len(seed), ed25519.PrivateKeySize)
		}
		return &signer.Ed25519{Key: ed25519.PrivateKey(seed), Submitter: sub, Wait: c.Wait}, nil

	case SignerStellar:
		kp, err := stellar.ParseSeed(c.Key)
		if err != nil {
			return nil, err
		}
		s := &signer.Stellar{KP: kp, Submitter: sub, Wait: c.Wait, Passphrase: c.Network}
		if c.Horizon != "" {
			s.Horizon = stellar.NewHorizon(c.Horizon)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown signer %q", c.Signer)
}
