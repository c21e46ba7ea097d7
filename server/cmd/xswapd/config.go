// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"

	"github.com/xswap-coordinator/xswapd/dex"
	"github.com/xswap-coordinator/xswapd/dex/config"
)

const (
	defaultConfigFilename = "xswapd.conf"
	defaultLogFilename    = "xswapd.log"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultMaxLogZips     = 16
	defaultRPCHost        = "127.0.0.1"
	defaultRPCPort        = "51476"
	defaultP2PHost        = "0.0.0.0"
	defaultP2PPort        = "51477"
	defaultFlushAge       = 4 * time.Second
)

var defaultAppDataDir = btcutil.AppDataDir("xswapd", false)

type procOpts struct {
	HTTPProfile bool
	CPUProfile  string
}

// xswapdConf is the fully resolved runtime configuration handed to main's
// wiring step.
type xswapdConf struct {
	Exchange  *config.Config
	RPCListen string
	P2PListen string
	FlushAge  time.Duration
	LogMaker  *dex.LoggerMaker
}

type flagsData struct {
	AppDataDir  string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to the wallet/exchange configuration file (INI)"`
	DataDir     string `long:"datadir" description:"Directory to store data"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	MaxLogZips  int    `long:"maxlogzips" description:"Number of rotated log files to retain; 0 keeps all"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`

	RPCListen string        `long:"rpclisten" description:"Address the dx*/gettradingdata RPC server listens on"`
	P2PListen string        `long:"p2plisten" description:"Address the peer websocket hub listens on"`
	FlushAge  time.Duration `long:"flushage" description:"Default minimum age before a cancelled order is eligible for dxFlushCancelledOrders"`

	HTTPProfile bool   `long:"httpprof" short:"p" description:"Start HTTP profiler"`
	CPUProfile  string `long:"cpuprofile" description:"File for CPU profiling"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	path = os.ExpandEnv(path)
	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	path = path[1:]

	var pathSeparators string
	if runtime.GOOS == "windows" {
		pathSeparators = string(os.PathSeparator) + "/"
	} else {
		pathSeparators = string(os.PathSeparator)
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.
func parseAndSetDebugLevels(debugLevel string) (*dex.LoggerMaker, error) {
	defaultLevel, levels, err := parseLoggingLevels(debugLevel)
	if err != nil {
		return nil, err
	}
	lm := &dex.LoggerMaker{
		Backend:      backendLog,
		DefaultLevel: defaultLevel,
		Levels:       levels,
	}
	setLogLevels(lm.DefaultLevel)
	for subsysID, lvl := range lm.Levels {
		if _, exists := subsystemLoggers[subsysID]; !exists {
			return nil, fmt.Errorf("the specified subsystem [%v] is invalid -- supported subsystems %v",
				subsysID, supportedSubsystems())
		}
		setLogLevel(subsysID, lvl)
	}
	return lm, nil
}

// normalizeNetworkAddress checks for a valid local network address format and
// adds default host and port if not present.
func normalizeNetworkAddress(a, defaultHost, defaultPort string) (string, error) {
	if strings.Contains(a, "://") {
		return a, fmt.Errorf("address %s contains a protocol identifier, which is not allowed", a)
	}
	if a == "" {
		return defaultHost + ":" + defaultPort, nil
	}
	host, port, err := net.SplitHostPort(a)
	if err != nil {
		if strings.Contains(err.Error(), "missing port in address") {
			normalized := a + ":" + defaultPort
			host, port, err = net.SplitHostPort(normalized)
			if err != nil {
				return a, fmt.Errorf("unable to address %s after port resolution: %v", normalized, err)
			}
		} else {
			return a, fmt.Errorf("unable to normalize address %s: %v", a, err)
		}
	}
	if host == "" {
		host = defaultHost
	}
	if port == "" {
		port = defaultPort
	}
	return host + ":" + port, nil
}

// loadConfig initializes and parses the config using a config file and
// command line options.
func loadConfig() (*xswapdConf, *procOpts, error) {
	loadConfigError := func(err error) (*xswapdConf, *procOpts, error) {
		return nil, nil, err
	}

	cfg := flagsData{
		AppDataDir: defaultAppDataDir,
		MaxLogZips: defaultMaxLogZips,
		DebugLevel: defaultLogLevel,
		FlushAge:   defaultFlushAge,
	}

	var preCfg flagsData
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		} else if ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	if preCfg.ShowVersion {
		fmt.Printf("xswapd version %s (Go version %s %s/%s)\n",
			Version(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if preCfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	if preCfg.AppDataDir != "" {
		cfg.AppDataDir, err = filepath.Abs(preCfg.AppDataDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to determine working directory: %v", err)
			os.Exit(1)
		}
	}
	isDefaultConfigFile := preCfg.ConfigFile == ""
	if isDefaultConfigFile {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, defaultConfigFilename)
	} else if !filepath.IsAbs(preCfg.ConfigFile) {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, preCfg.ConfigFile)
	}

	configFile := "NONE (defaults)"
	haveConfigFile := false

	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := os.Stat(preCfg.ConfigFile); os.IsNotExist(err) {
		if !isDefaultConfigFile {
			fmt.Fprintln(os.Stderr, err)
			return loadConfigError(err)
		}
		fmt.Printf("Config file (%s) does not exist. Using defaults.\n", preCfg.ConfigFile)
	} else {
		configFile = preCfg.ConfigFile
		haveConfigFile = true
	}

	_, err = parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return loadConfigError(err)
	}

	if configFileError != nil {
		fmt.Printf("%v\n", configFileError)
		return loadConfigError(configFileError)
	}

	err = os.MkdirAll(cfg.AppDataDir, 0700)
	if err != nil {
		err := fmt.Errorf("failed to create home directory: %v", err)
		fmt.Fprintln(os.Stderr, err)
		return loadConfigError(err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.AppDataDir, defaultDataDirname)
	} else if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(cfg.AppDataDir, cfg.DataDir)
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, defaultLogDirname)
	} else if !filepath.IsAbs(cfg.LogDir) {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, cfg.LogDir)
	}
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	err = os.MkdirAll(cfg.DataDir, 0700)
	if err != nil {
		return loadConfigError(err)
	}

	rpcListen, err := normalizeNetworkAddress(cfg.RPCListen, defaultRPCHost, defaultRPCPort)
	if err != nil {
		return loadConfigError(err)
	}
	p2pListen, err := normalizeNetworkAddress(cfg.P2PListen, defaultP2PHost, defaultP2PPort)
	if err != nil {
		return loadConfigError(err)
	}

	if cfg.MaxLogZips < 0 {
		cfg.MaxLogZips = 0
	}
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename), cfg.MaxLogZips)

	log.Infof("App data folder: %s", cfg.AppDataDir)
	log.Infof("Log folder:      %s", cfg.LogDir)
	log.Infof("Config file:     %s", configFile)

	logMaker, err := parseAndSetDebugLevels(cfg.DebugLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return loadConfigError(err)
	}

	exchangeCfg := &config.Config{Wallets: make(map[string]*config.WalletParam)}
	if haveConfigFile {
		exchangeCfg, err = config.Load(configFile)
		if err != nil {
			return loadConfigError(fmt.Errorf("loading exchange configuration: %v", err))
		}
	}

	xswapdCfg := &xswapdConf{
		Exchange:  exchangeCfg,
		RPCListen: rpcListen,
		P2PListen: p2pListen,
		FlushAge:  cfg.FlushAge,
		LogMaker:  logMaker,
	}

	opts := &procOpts{
		CPUProfile:  cfg.CPUProfile,
		HTTPProfile: cfg.HTTPProfile,
	}

	return xswapdCfg, opts, nil
}
