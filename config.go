package blocktalk

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "bitcoin.conf"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "walletd.log"
	defaultRPCBind        = "127.0.0.1"
	defaultRPCPort        = "8332"
	defaultWalletName     = "wallet.db"
	defaultKeypoolSize    = 1000
	defaultDBType         = "bdb"
	defaultDebugLevel     = "info"

	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
)

// WalletOptions holds the [wallet] section of the configuration.
type WalletOptions struct {
	KeypoolSize uint32 `long:"keypool" description:"Keypool size (accepted for compatibility; getwalletinfo always reports 1000)"`
	Rescan      bool   `long:"rescan" description:"Rescan the chain for wallet transactions on startup"`
	Timestamp   int64  `long:"timestamp" description:"Rescan birthday timestamp (parsed only; the startup rescan starts at height 0)"`
	DBType      string `long:"dbtype" description:"Wallet database backend"`
}

// Config defines the configuration options of the wallet daemon.
//
// See LoadConfig for further details regarding the configuration loading and
// parsing process.
type Config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"conf" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"The directory to store wallet data"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}, or per subsystem as <subsystem>=<level>"`

	TestNet bool `long:"testnet" description:"Use the test network"`
	RegTest bool `long:"regtest" description:"Use the regression test network"`

	NodeSocket string `long:"node-socket" description:"Path to the node's IPC socket"`
	WalletName string `long:"wallet" description:"Wallet file name within the wallets directory"`

	RPCBind    string   `long:"rpcbind" description:"Bind to given address to listen for JSON-RPC connections"`
	RPCPort    string   `long:"rpcport" description:"Listen for JSON-RPC connections on this port"`
	RPCUser    string   `long:"rpcuser" description:"Username for JSON-RPC connections"`
	RPCPass    string   `long:"rpcpassword" default-mask:"-" description:"Password for JSON-RPC connections"`
	RPCAuth    []string `long:"rpcauth" description:"Username and HMAC-SHA-256 hashed password for JSON-RPC connections"`
	RPCAllowIP []string `long:"rpcallowip" description:"Allow JSON-RPC connections from the given source"`

	Wallet WalletOptions `group:"wallet" namespace:"wallet"`

	// Derived values, resolved by LoadConfig.
	netParams *chaincfg.Params
	walletDir string
	rpcListen string
}

// defaultConfig returns the config defaults matching Bitcoin Core's
// conventions.
func defaultConfig() Config {
	return Config{
		DebugLevel: defaultDebugLevel,
		WalletName: defaultWalletName,
		RPCBind:    defaultRPCBind,
		RPCPort:    defaultRPCPort,
		Wallet: WalletOptions{
			KeypoolSize: defaultKeypoolSize,
			DBType:      defaultDBType,
		},
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//     and the selected network
//  3. Load configuration file overwriting defaults with any specified
//     options
//  4. Parse CLI options overriding any specified options
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	// Pre-parse the command line options to pick up the config file
	// location and network selection.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag|flags.IgnoreUnknown)
	if _, err := preParser.Parse(); err != nil {
		return nil, err
	}

	if preCfg.ShowVersion {
		fmt.Println(appName, "version", Version())
		os.Exit(0)
	}

	dataDir, err := resolveDataDir(
		preCfg.DataDir, preCfg.TestNet, preCfg.RegTest,
	)
	if err != nil {
		return nil, err
	}

	configFile := preCfg.ConfigFile
	if configFile == "" {
		configFile = filepath.Join(dataDir, defaultConfigFilename)
	}

	if _, err := os.Stat(configFile); err == nil {
		if err := parseConfigFile(configFile, &cfg); err != nil {
			return nil, err
		}
	} else if preCfg.ConfigFile != "" {
		return nil, fmt.Errorf("config file %s does not exist",
			configFile)
	}

	// Parse the command line a second time so CLI flags override any
	// config file values.
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if cfg.NodeSocket == "" {
		return nil, fmt.Errorf("the --node-socket option is required")
	}

	switch {
	case cfg.RegTest && cfg.TestNet:
		return nil, fmt.Errorf("--regtest and --testnet are " +
			"mutually exclusive")
	case cfg.RegTest:
		cfg.netParams = &chaincfg.RegressionNetParams
	case cfg.TestNet:
		cfg.netParams = &chaincfg.TestNet3Params
	default:
		cfg.netParams = &chaincfg.MainNetParams
	}

	dataDir, err = resolveDataDir(cfg.DataDir, cfg.TestNet, cfg.RegTest)
	if err != nil {
		return nil, err
	}
	cfg.DataDir = dataDir
	cfg.walletDir = filepath.Join(dataDir, "wallets")
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(dataDir, defaultLogDirname)
	}
	cfg.rpcListen = net.JoinHostPort(cfg.RPCBind, cfg.RPCPort)

	return &cfg, nil
}

// resolveDataDir returns the data directory for the selected network,
// defaulting to the conventional dotdir under the user's home.
func resolveDataDir(dataDir string, testNet, regTest bool) (string, error) {
	if dataDir != "" {
		return filepath.Clean(dataDir), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("unable to determine home "+
			"directory: %w", err)
	}

	base := filepath.Join(home, ".bitcoin")
	switch {
	case regTest:
		return filepath.Join(base, "regtest"), nil
	case testNet:
		return filepath.Join(base, "testnet3"), nil
	}
	return base, nil
}

// parseConfigFile applies a Bitcoin Core style configuration file: key=value
// lines with optional [section] headers, # comments and blank lines.
func parseConfigFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	var section string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = line[1 : len(line)-1]
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		applyConfigSetting(cfg, section, key, value)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// applyConfigSetting applies a single key=value pair from the config file.
// Unknown options are ignored.
func applyConfigSetting(cfg *Config, section, key, value string) {
	switch {
	case matches(section, key, "", "testnet"),
		matches(section, key, "test", "testnet"):

		if truthy(value) {
			cfg.TestNet = true
		}

	case matches(section, key, "", "regtest"):
		if truthy(value) {
			cfg.RegTest = true
		}

	case matches(section, key, "", "rpcbind"),
		matches(section, key, "rpc", "bind"):

		cfg.RPCBind = value

	case matches(section, key, "", "rpcport"),
		matches(section, key, "rpc", "port"):

		cfg.RPCPort = value

	case matches(section, key, "", "rpcuser"),
		matches(section, key, "rpc", "user"):

		cfg.RPCUser = value

	case matches(section, key, "", "rpcpassword"),
		matches(section, key, "rpc", "password"):

		cfg.RPCPass = value

	case matches(section, key, "", "rpcauth"),
		matches(section, key, "rpc", "auth"):

		cfg.RPCAuth = append(cfg.RPCAuth, value)

	case matches(section, key, "", "rpcallowip"),
		matches(section, key, "rpc", "allowip"):

		cfg.RPCAllowIP = append(cfg.RPCAllowIP, value)

	case matches(section, key, "wallet", "keypool"):
		if size, err := strconv.ParseUint(value, 10, 32); err == nil {
			cfg.Wallet.KeypoolSize = uint32(size)
		}

	case matches(section, key, "wallet", "rescan"):
		if truthy(value) {
			cfg.Wallet.Rescan = true
		}

	case matches(section, key, "wallet", "timestamp"):
		if ts, err := strconv.ParseInt(value, 10, 64); err == nil {
			cfg.Wallet.Timestamp = ts
		}

	case matches(section, key, "wallet", "dbtype"):
		cfg.Wallet.DBType = value

	default:
		btldLog.Debugf("Ignoring unknown config option: [%s] %s",
			section, key)
	}
}

func matches(section, key, wantSection, wantKey string) bool {
	return section == wantSection && key == wantKey
}

func truthy(value string) bool {
	return value == "1" || strings.EqualFold(value, "true")
}
