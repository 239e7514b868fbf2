package model

import (
	"bytes"
	"io"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	ProbeTCP   = "tcp"
	ProbeFTP   = "ftp"
	ProbeProxy = "proxy"
	ProbeNmap  = "nmap"
	ProbeExec  = "exec"

	StoreFile   = "file"
	StoreSQLite = "sqlite"

	BackoffConstant    = "constant"
	BackoffExponential = "exponential"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

//go:embed sweeper.yaml
var defaultYAML []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version  int      `json:"version" yaml:"version"` // fixed 0 for now
	Input    Input    `json:"input" yaml:"input"`
	Engine   Engine   `json:"engine" yaml:"engine"`
	Progress Progress `json:"progress" yaml:"progress"`
	Output   Output   `json:"output" yaml:"output"`
	Probe    Probe    `json:"probe" yaml:"probe"`
	Service  Service  `json:"service" yaml:"service"`
}

// Input is the target list.
type Input struct {
	Path     string `json:"path" yaml:"path"`
	Validate string `json:"validate" yaml:"validate"` // "none" | "ip" | "addr" | "hostport"
}

// Engine holds the concurrency, retry and checkpoint policy.
type Engine struct {
	Workers            int      `json:"workers" yaml:"workers"`
	Queue              int      `json:"queue" yaml:"queue"` // 0 => 2 * workers
	Timeout            Duration `json:"timeout" yaml:"timeout"`
	Retries            int      `json:"retries" yaml:"retries"`
	Backoff            Backoff  `json:"backoff" yaml:"backoff"`
	Rate               float64  `json:"rate" yaml:"rate"`   // probes per second, 0 => unlimited
	Batch              int      `json:"batch" yaml:"batch"` // checkpoint each N outcomes
	CheckpointInterval Duration `json:"checkpoint_interval" yaml:"checkpoint_interval"`
}

type Backoff struct {
	Kind  string   `json:"kind" yaml:"kind"` // "constant" | "exponential"
	Delay Duration `json:"delay" yaml:"delay"`
	Max   Duration `json:"max" yaml:"max"`
}

// Progress selects the checkpoint store.
type Progress struct {
	Store string `json:"store" yaml:"store"` // "file" | "sqlite"
	Path  string `json:"path" yaml:"path"`   // directory for file, database for sqlite
}

type Output struct {
	Dir     string   `json:"dir" yaml:"dir"`
	Prefix  string   `json:"prefix" yaml:"prefix"`
	Buffer  int      `json:"buffer" yaml:"buffer"`
	Formats []string `json:"formats" yaml:"formats"` // "list" | "jsonl" | "csv"
}

// Probe is a tagged union by Kind, only the matching section is set.
type Probe struct {
	Kind  string `json:"kind" yaml:"kind"`
	Port  int    `json:"port,omitempty" yaml:"port,omitempty"` // used when target has no port
	FTP   *FTP   `json:"ftp,omitempty" yaml:"ftp,omitempty"`
	Proxy *Proxy `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	Nmap  *Nmap  `json:"nmap,omitempty" yaml:"nmap,omitempty"`
	Exec  *Exec  `json:"exec,omitempty" yaml:"exec,omitempty"`
}

type FTP struct {
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
}

type Proxy struct {
	Protocol string `json:"protocol" yaml:"protocol"` // "http" | "https" | "socks5"
	CheckURL URL    `json:"check_url" yaml:"check_url"`
}

type Nmap struct {
	Binary string   `json:"binary,omitempty" yaml:"binary,omitempty"`
	Ports  string   `json:"ports,omitempty" yaml:"ports,omitempty"`
	Args   []string `json:"args,omitempty" yaml:"args,omitempty"`
}

// Exec runs a command for each target, {target} in Args is replaced.
type Exec struct {
	Path  string   `json:"path" yaml:"path"`
	Args  []string `json:"args,omitempty" yaml:"args,omitempty"`
	Match string   `json:"match" yaml:"match"` // regexp matched against stdout lines
}

type Service struct {
	Verbose bool   `json:"verbose" yaml:"verbose"`
	Log     string `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
	Report  Report `json:"report" yaml:"report"`
}

// Report schedules the periodic progress log, Cron wins over Every.
type Report struct {
	Every Duration `json:"every" yaml:"every"`
	Cron  string   `json:"cron,omitempty" yaml:"cron,omitempty"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}

// DefaultConfig returns the configuration stored on the first run.
func DefaultConfig() Config {
	cfg, err := LoadConfig(bytes.NewReader(defaultYAML))
	if err != nil {
		panic(err)
	}
	return cfg
}

// QueueSize is the capacity of the intake queue.
func (e Engine) QueueSize() int {
	if e.Queue > 0 {
		return e.Queue
	}
	return 2 * e.Workers
}
