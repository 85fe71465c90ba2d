package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var ErrLoadFailed = errors.New("bulk load failed")

// Connection holds the vsql connection settings. The password is passed
// through VSQL_PASSWORD so it never shows up in the process list.
type Connection struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// CopyOptions shapes the COPY ... FROM LOCAL statement.
type CopyOptions struct {
	Table      string
	Columns    []string
	File       string
	Skip       int
	Enclosure  string
	Delimiter  string
	Terminator string
	Gzip       bool
	Truncate   bool
}

type LoadResult struct {
	Statement string
	Output    string
	Rejected  int
	Deduped   bool
	Duration  time.Duration
}

// Loader bulk-loads exported files into Vertica through vsql, either on this
// host or inside a container that has the client installed.
type Loader struct {
	Runner        Runner
	ContainerName string
	Bin           string
	TempDir       string
	Conn          Connection
	Timeout       time.Duration
	logger        zerolog.Logger
}

func NewLoader(r Runner, containerName string, conn Connection, logger zerolog.Logger) *Loader {
	return &Loader{
		Runner:        r,
		ContainerName: containerName,
		Bin:           "vsql",
		TempDir:       "/tmp/bqrunner",
		Conn:          conn,
		Timeout:       time.Hour,
		logger:        logger.With().Str("component", "loader").Logger(),
	}
}

func (l *Loader) inContainer() bool { return l.ContainerName != "" }

// Command returns the vsql invocation that runs sql. ON_ERROR_STOP makes a
// failing statement surface as a non-zero exit code.
func (l *Loader) Command(sql string) []string {
	cmd := []string{l.Bin}
	if l.Conn.Host != "" {
		cmd = append(cmd, "-h", l.Conn.Host)
	}
	if l.Conn.Port > 0 {
		cmd = append(cmd, "-p", strconv.Itoa(l.Conn.Port))
	}
	if l.Conn.Database != "" {
		cmd = append(cmd, "-d", l.Conn.Database)
	}
	if l.Conn.User != "" {
		cmd = append(cmd, "-U", l.Conn.User)
	}
	return append(cmd, "-v", "ON_ERROR_STOP=on", "-c", sql)
}

func (l *Loader) env() []string {
	if l.Conn.Password == "" {
		return nil
	}
	return []string{"VSQL_PASSWORD=" + l.Conn.Password}
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// CopyStatement builds the COPY statement, prefixed by a TRUNCATE when asked.
// Exceptions and rejected rows are written next to the loaded file.
func CopyStatement(o CopyOptions) string {
	var b strings.Builder
	if o.Truncate {
		fmt.Fprintf(&b, "TRUNCATE TABLE %s; ", o.Table)
	}
	fmt.Fprintf(&b, "COPY %s (%s) FROM LOCAL %s", o.Table, strings.Join(o.Columns, ", "), quote(o.File))
	if o.Gzip {
		b.WriteString(" GZIP")
	}
	b.WriteString(" DIRECT")
	fmt.Fprintf(&b, " SKIP %d", o.Skip)
	fmt.Fprintf(&b, " EXCEPTIONS %s REJECTED DATA %s", quote(o.File+".exc"), quote(o.File+".rej"))
	if o.Enclosure != "" {
		fmt.Fprintf(&b, " ENCLOSED BY %s", quote(o.Enclosure))
	}
	if o.Delimiter != "" {
		fmt.Fprintf(&b, " DELIMITER %s", quote(o.Delimiter))
	}
	if o.Terminator != "" {
		fmt.Fprintf(&b, " RECORD TERMINATOR %s", o.Terminator)
	}
	b.WriteString(";")
	return b.String()
}

// DedupeScript rewrites table with its distinct rows.
func DedupeScript(table string) string {
	tmp := "bqrunner_dedupe"
	return strings.Join([]string{
		"DROP TABLE IF EXISTS " + tmp + ";",
		"CREATE LOCAL TEMPORARY TABLE " + tmp + " ON COMMIT PRESERVE ROWS AS SELECT DISTINCT * FROM " + table + ";",
		"TRUNCATE TABLE " + table + ";",
		"INSERT INTO " + table + " SELECT * FROM " + tmp + ";",
		"COMMIT;",
	}, " ")
}

func (l *Loader) run(ctx context.Context, sql string) (*ExecResult, error) {
	res, err := l.Runner.Exec(ctx, l.ContainerName, l.Command(sql), WithEnv(l.env()...), WithTimeout(l.Timeout))
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return res, errors.Wrapf(ErrLoadFailed, "vsql exited %d: %s", res.ExitCode, strings.TrimSpace(res.Output()))
	}
	return res, nil
}

// TestConnection runs a trivial statement to check the credentials.
func (l *Loader) TestConnection(ctx context.Context) (string, error) {
	res, err := l.run(ctx, "SELECT 1;")
	if err != nil {
		return "", err
	}
	return res.Output(), nil
}

// Load copies the local file into the target table, optionally truncating
// before and deduplicating after. In container mode the file is first copied
// into the container's temp dir.
func (l *Loader) Load(ctx context.Context, opts CopyOptions, dedupe bool) (*LoadResult, error) {
	start := time.Now()
	if l.inContainer() {
		remote, err := l.upload(ctx, opts.File)
		if err != nil {
			return nil, err
		}
		opts.File = remote
	}

	stmt := CopyStatement(opts)
	l.logger.Info().Str("table", opts.Table).Str("statement", stmt).Msg("Copying into Vertica")
	res, err := l.run(ctx, stmt)
	if err != nil {
		return nil, err
	}
	out := &LoadResult{Statement: stmt, Output: res.Output()}
	out.Rejected = l.rejected(ctx, opts.File+".rej")
	if out.Rejected > 0 {
		l.logger.Warn().Int("rows", out.Rejected).Str("file", opts.File+".rej").Msg("Rows rejected during copy")
	}
	l.logger.Info().Str("table", opts.Table).Msg("Completed copy into Vertica")

	if dedupe {
		l.logger.Info().Str("table", opts.Table).Msg("Running dedupe")
		if _, err := l.run(ctx, DedupeScript(opts.Table)); err != nil {
			return nil, errors.Wrap(err, "dedupe")
		}
		out.Deduped = true
	}
	out.Duration = time.Since(start)
	return out, nil
}

func (l *Loader) upload(ctx context.Context, local string) (string, error) {
	f, err := os.Open(local)
	if err != nil {
		return "", errors.Wrapf(err, "open %s", local)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", errors.Wrapf(err, "stat %s", local)
	}

	if _, err := l.Runner.Sh(ctx, l.ContainerName, "mkdir -p "+l.TempDir, WithTimeout(10*time.Second)); err != nil {
		return "", errors.Wrap(err, "mkdir tmp")
	}
	name := filepath.Base(local)
	if err := l.Runner.CopyTo(ctx, l.ContainerName, l.TempDir, f, info.Size(), name); err != nil {
		return "", errors.Wrap(err, "upload export")
	}
	return path.Join(l.TempDir, name), nil
}

// rejected counts the lines of the rejected-data file. A missing file means
// nothing was rejected.
func (l *Loader) rejected(ctx context.Context, file string) int {
	data, err := l.Runner.CopyFrom(ctx, l.ContainerName, file)
	if err != nil || len(data) == 0 {
		return 0
	}
	n := bytes.Count(data, []byte("\n"))
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}
