package cmd

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/seqsplit/bamsplit"
	"github.com/grailbio/seqsplit/demux"
	"github.com/grailbio/seqsplit/fastqsplit"
	"v.io/x/lib/cmdline"
)

// logEnv names the environment variable that sets the default log level.
const logEnv = "SEQSPLIT_LOG"

var logLevels = map[string]log.Level{
	"off":   log.Off,
	"error": log.Error,
	"info":  log.Info,
	"debug": log.Debug,
}

// pathsFlag collects the values of a repeated flag.
type pathsFlag []string

func (p *pathsFlag) String() string { return strings.Join(*p, ",") }

func (p *pathsFlag) Set(v string) error {
	*p = append(*p, v)
	return nil
}

func addLogFlag(fs *flag.FlagSet) *string {
	return fs.String("log", "", fmt.Sprintf("Log level: off, error, info or debug. Defaults to $%s, else info.", logEnv))
}

// setLogLevel applies the -log flag, falling back to the environment.
func setLogLevel(env *cmdline.Env, value string) error {
	if value == "" {
		value = env.Vars[logEnv]
	}
	if value == "" {
		value = "info"
	}
	level, ok := logLevels[strings.ToLower(value)]
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("unknown log level %q", value))
	}
	log.SetLevel(level)
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	return enc.Encode(v)
}

func newCmdFastqSplit() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "fastq-split",
		Short: "Shard FASTQ files by a hash of the read name",
		Long: `
fastq-split writes each input FASTQ file (plain or gzipped) into a complete set
of shard files named "<input filename>-<bin>", next to the input unless -out-dir
is set. A read lands in bin hash(read name) mod bins, so the mate files of a
paired-end run, split with the same -b and -hash, yield shards that pair up by
bin.

The command prints a JSON object mapping each input filename to its shard
filenames, ordered by bin.`,
	}
	var (
		inputs pathsFlag
		opts   fastqsplit.Opts
	)
	cmd.Flags.Var(&inputs, "i", "Input FASTQ file. May be repeated.")
	cmd.Flags.IntVar(&opts.Bins, "b", 0, "Number of shards per input. A power of two is recommended.")
	cmd.Flags.StringVar(&opts.Hash, "hash", demux.DefaultHash,
		fmt.Sprintf("Hash function for read names, one of %v.", demux.HashNames()))
	cmd.Flags.BoolVar(&opts.Compress, "compress", false, "Write shards in BGZF format.")
	cmd.Flags.StringVar(&opts.OutputDir, "out-dir", "", "Directory for shard files. Defaults to each input's directory.")
	cmd.Flags.BoolVar(&opts.KeepPartial, "keep-partial", false, "Keep the shards of an input that fails.")
	logFlag := addLogFlag(&cmd.Flags)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return env.UsageErrorf("fastq-split takes no arguments, but got %v", argv)
		}
		if len(inputs) == 0 {
			return env.UsageErrorf("fastq-split requires at least one -i input")
		}
		if err := setLogLevel(env, *logFlag); err != nil {
			return err
		}
		return fastqSplit(env, inputs, opts)
	})
	return cmd
}

func fastqSplit(env *cmdline.Env, inputs []string, opts fastqsplit.Opts) error {
	ms, err := fastqsplit.Split(vcontext.Background(), inputs, opts)
	if err != nil {
		return err
	}
	return writeJSON(env.Stdout, fastqsplit.Filenames(ms))
}

func newCmdBAMSort() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "bam-sort",
		Short: "Demultiplex a BAM file by chromosome",
		Long: `
bam-sort writes the records of the input BAM file into one BAM file per
chromosome, named "<chromosome>_<input stem>.bam". Only chromosomes in -chroms
(chr1 through chr22 by default) get an output; other records, including
unmapped ones, are dropped. Files are created only for chromosomes that have
records.

The command prints a JSON array of [chromosome, filename] pairs in the order the
files were created, or a JSON object with -json-object.`,
	}
	var (
		input      string
		chroms     string
		jsonObject bool
		opts       bamsplit.Opts
	)
	cmd.Flags.StringVar(&input, "i", "", "Input BAM file.")
	cmd.Flags.StringVar(&chroms, "chroms", "", "Comma-separated chromosomes to keep. Defaults to chr1,...,chr22.")
	cmd.Flags.StringVar(&opts.OutputDir, "out-dir", "", "Directory for output files. Defaults to the input's directory.")
	cmd.Flags.BoolVar(&opts.KeepPartial, "keep-partial", false, "Keep the outputs if the input fails.")
	cmd.Flags.BoolVar(&jsonObject, "json-object", false, "Print a JSON object mapping chromosome to filename.")
	logFlag := addLogFlag(&cmd.Flags)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return env.UsageErrorf("bam-sort takes no arguments, but got %v", argv)
		}
		if input == "" {
			return env.UsageErrorf("bam-sort requires an -i input")
		}
		if err := setLogLevel(env, *logFlag); err != nil {
			return err
		}
		if chroms != "" {
			opts.AllowList = strings.Split(chroms, ",")
		}
		return bamSort(env, input, opts, jsonObject)
	})
	return cmd
}

func bamSort(env *cmdline.Env, input string, opts bamsplit.Opts, jsonObject bool) error {
	m, err := bamsplit.SplitFile(vcontext.Background(), input, opts)
	if err != nil {
		return err
	}
	pairs := bamsplit.Pairs(m)
	if !jsonObject {
		return writeJSON(env.Stdout, pairs)
	}
	files := make(map[string]string, len(pairs))
	for _, p := range pairs {
		files[p[0]] = p[1]
	}
	return writeJSON(env.Stdout, files)
}

func newCmdRoot() *cmdline.Command {
	return &cmdline.Command{
		Name:     "bio-seqsplit",
		Short:    "Partition sequencing data files into shards",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdFastqSplit(),
			newCmdBAMSort(),
		},
	}
}

// Run runs the bio-seqsplit command line and exits.
func Run() {
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(newCmdRoot())
}
