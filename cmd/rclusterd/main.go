// Command rclusterd serves a replicated key-value store over the Redis wire
// protocol, fanning writes out across the attached backend shards.
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rsms/go-json"
	"github.com/rsms/go-log"

	"github.com/rsms/rcluster/cluster"
	"github.com/rsms/rcluster/proxy"
)

const VERSION = "0.1.0"

// cli options
var (
	opt_addr        string = "127.0.0.1:6381"
	opt_password    string
	opt_replicaness int = 1
	opt_metricsaddr string
	opt_configfile  string
	opt_shards      shardList
	opt_verbose     bool
	opt_vverbose    bool
	opt_version     bool
)

// shardList collects repeated -shard flags
type shardList []string

func (l *shardList) String() string     { return strings.Join(*l, ",") }
func (l *shardList) Set(s string) error { *l = append(*l, s); return nil }

func parseopts() {
	versionstring := fmt.Sprintf("rclusterd %s", VERSION)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\noptions:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.BoolVar(&opt_version, "version", false, `Print "`+versionstring+`" and exit`)
	flag.BoolVar(&opt_verbose, "v", false, "Verbose logging")
	flag.BoolVar(&opt_vverbose, "debug", false, "Debug logging (implies -v)")
	flag.StringVar(&opt_addr, "addr", opt_addr, "Address to listen on for client connections")
	flag.StringVar(&opt_password, "password", "", "Require clients to AUTH with this password")
	flag.IntVar(&opt_replicaness, "replicaness", opt_replicaness,
		"Desired number of replicas per write")
	flag.StringVar(&opt_metricsaddr, "metrics-addr", "",
		"Serve prometheus metrics over HTTP on this address (disabled when empty)")
	flag.StringVar(&opt_configfile, "config", "",
		"JSON configuration file; explicit flags take precedence")
	flag.Var(&opt_shards, "shard",
		"Backend to attach at startup, as host:port or host:port/db (repeatable)")

	flag.Parse()

	if opt_version {
		println(versionstring)
		os.Exit(0)
	}

	// configure logging
	if opt_vverbose {
		log.RootLogger.Level = log.LevelDebug
	} else if opt_verbose {
		log.RootLogger.Level = log.LevelInfo
	} else {
		log.RootLogger.Level = log.LevelWarn
	}
	log.RootLogger.SetWriter(os.Stderr)
	log.RootLogger.EnableFeatures(log.FSync)
}

// config is the JSON configuration file shape. Flag values given explicitly
// on the command line win over file values.
type config struct {
	Addr        string
	Password    string
	Replicaness int
	MetricsAddr string
	Shards      []string
}

func loadConfig(path string) (*config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &config{}
	var r json.Reader
	r.ResetBytes(data)
	if r.ObjectStart() {
		for {
			key := r.Key()
			if key == "" {
				break
			}
			switch key {
			case "addr":
				cfg.Addr = r.Str()
			case "password":
				cfg.Password = r.Str()
			case "replicaness":
				cfg.Replicaness = int(r.Int(32))
			case "metrics_addr":
				cfg.MetricsAddr = r.Str()
			case "shards":
				if r.ArrayStart() {
					for r.More() {
						cfg.Shards = append(cfg.Shards, r.Str())
					}
				}
			default:
				return nil, fmt.Errorf("unknown config key %q", key)
			}
		}
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeConfig applies file values for options not given explicitly on the
// command line; file shards are always added to the -shard list
func mergeConfig(cfg *config, explicit map[string]bool) {
	if cfg.Addr != "" && !explicit["addr"] {
		opt_addr = cfg.Addr
	}
	if cfg.Password != "" && !explicit["password"] {
		opt_password = cfg.Password
	}
	if cfg.Replicaness > 0 && !explicit["replicaness"] {
		opt_replicaness = cfg.Replicaness
	}
	if cfg.MetricsAddr != "" && !explicit["metrics-addr"] {
		opt_metricsaddr = cfg.MetricsAddr
	}
	opt_shards = append(opt_shards, cfg.Shards...)
}

func parseShardSpec(s string) (host string, port, db int, err error) {
	hostport := s
	if i := strings.IndexByte(s, '/'); i != -1 {
		if db, err = strconv.Atoi(s[i+1:]); err != nil {
			return "", 0, 0, fmt.Errorf("invalid shard spec %q", s)
		}
		hostport = s[:i]
	}
	var portstr string
	if host, portstr, err = net.SplitHostPort(hostport); err != nil {
		return "", 0, 0, fmt.Errorf("invalid shard spec %q", s)
	}
	if port, err = strconv.Atoi(portstr); err != nil {
		return "", 0, 0, fmt.Errorf("invalid shard spec %q", s)
	}
	return host, port, db, nil
}

func main() {
	parseopts()

	if opt_configfile != "" {
		cfg, err := loadConfig(opt_configfile)
		if err != nil {
			log.Error("config %s: %v", opt_configfile, err)
			log.Sync()
			os.Exit(1)
		}
		explicit := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
		mergeConfig(cfg, explicit)
	}

	c := cluster.New()
	c.Logger = log.RootLogger
	if opt_replicaness != 1 {
		if _, err := c.SetReplicaness(opt_replicaness); err != nil {
			log.Error("replicaness %d: %v", opt_replicaness, err)
			log.Sync()
			os.Exit(1)
		}
	}

	// backends can be seeded here and added later through ADDSHARD; a seed
	// that is down right now is reported and skipped
	for _, spec := range opt_shards {
		host, port, db, err := parseShardSpec(spec)
		if err != nil {
			log.Error("%v", err)
			log.Sync()
			os.Exit(1)
		}
		if s, err := c.AddShard(host, port, db); err != nil {
			log.Warn("shard %s not attached: %v", spec, err)
		} else {
			log.Info("attached shard %s at %s", s.ID, s.Addr())
		}
	}

	if opt_metricsaddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(opt_metricsaddr, mux); err != nil {
				log.Warn("metrics endpoint: %v", err)
			}
		}()
	}

	srv := proxy.NewServer(c, opt_password)
	srv.Logger = log.RootLogger

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	errch := make(chan error, 1)
	go func() { errch <- srv.ListenAndServe(opt_addr) }()

	select {
	case sig := <-quit:
		log.Info("received %s; shutting down", sig)
		srv.Close()
		<-errch
	case err := <-errch:
		if err != nil {
			log.Error("%v", err)
			log.Sync()
			os.Exit(1)
		}
	}
	log.Sync()
}
