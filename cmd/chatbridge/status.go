package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/4xmen/chatbridge/internal/store"
	"github.com/4xmen/chatbridge/pkg/config"
)

// statusReport is what the status subcommand prints. Counts are zero
// when Ready is false.
type statusReport struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Environment string        `json:"environment"`
	Database    string        `json:"database_path"`
	Uploads     string        `json:"file_storage_path"`
	Ready       bool          `json:"metrics_ready"`
	Counts      statusCounts  `json:"metrics"`
	Storage     statusStorage `json:"storage"`
	Warnings    []string      `json:"warnings,omitempty"`
}

type statusCounts struct {
	Users       int64  `json:"users"`
	Friendships int64  `json:"friendships"`
	Messages    int64  `json:"messages"`
	Undelivered int64  `json:"undelivered_messages"`
	Attachments int64  `json:"attachments"`
	Last24h     int64  `json:"messages_last_24h"`
	LatestAt    string `json:"latest_message_at,omitempty"`
}

type statusStorage struct {
	DatabaseBytes   int64 `json:"database_bytes"`
	AttachmentBytes int64 `json:"attachment_bytes"`
	UploadFiles     int64 `json:"upload_files"`
	UploadBytes     int64 `json:"upload_bytes"`
}

type statusOptions struct {
	JSON bool
}

func parseStatusArgs(args []string) (statusOptions, error) {
	opts := statusOptions{}
	for _, arg := range args {
		switch arg {
		case "--json", "-j":
			opts.JSON = true
		default:
			return opts, fmt.Errorf("unknown status flag: %s", arg)
		}
	}
	return opts, nil
}

func runStatus(cfg *config.Config, out io.Writer, args []string) error {
	opts, err := parseStatusArgs(args)
	if err != nil {
		return err
	}

	report := collectStatus(cfg, time.Now())
	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return printStatus(out, report)
}

func collectStatus(cfg *config.Config, now time.Time) statusReport {
	report := statusReport{
		GeneratedAt: now.UTC(),
		Environment: cfg.Environment,
		Database:    cfg.DatabasePath,
		Uploads:     cfg.FileStoragePath,
	}
	warn := func(format string, args ...any) {
		report.Warnings = append(report.Warnings, fmt.Sprintf(format, args...))
	}

	// sqlite keeps its journal beside the main file
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if info, err := os.Stat(cfg.DatabasePath + suffix); err == nil && !info.IsDir() {
			report.Storage.DatabaseBytes += info.Size()
		}
	}

	if files, size, err := uploadUsage(cfg.FileStoragePath); err != nil {
		warn("upload dir: %v", err)
	} else {
		report.Storage.UploadFiles, report.Storage.UploadBytes = int64(files), size
	}

	if _, err := os.Stat(cfg.DatabasePath); err != nil {
		warn("database unavailable: %v", err)
		return report
	}
	conn, err := sql.Open("sqlite3", cfg.DatabasePath)
	if err != nil {
		warn("database unavailable: %v", err)
		return report
	}
	defer conn.Close()

	if err := readCounts(conn, &report, now); err != nil {
		warn("database unavailable: %v", err)
		return report
	}
	report.Ready = true
	return report
}

func readCounts(conn *sql.DB, report *statusReport, now time.Time) error {
	c := &report.Counts
	queries := []struct {
		dst   *int64
		query string
		args  []any
	}{
		{&c.Users, "SELECT COUNT(*) FROM users", nil},
		// every friendship is stored as two directed edges
		{&c.Friendships, "SELECT COUNT(*) / 2 FROM friendships", nil},
		{&c.Messages, "SELECT COUNT(*) FROM messages", nil},
		{&c.Undelivered, "SELECT COUNT(*) FROM messages WHERE delivered = 0", nil},
		{&c.Attachments, "SELECT COUNT(*) FROM messages WHERE file_ref IS NOT NULL", nil},
		{&c.Last24h, "SELECT COUNT(*) FROM messages WHERE created_at >= ?", []any{now.Add(-24 * time.Hour).UTC()}},
		{&report.Storage.AttachmentBytes, "SELECT COALESCE(SUM(file_size), 0) FROM messages WHERE file_ref IS NOT NULL", nil},
	}
	for _, q := range queries {
		if err := conn.QueryRow(q.query, q.args...).Scan(q.dst); err != nil {
			return err
		}
	}

	var latest sql.NullString
	if err := conn.QueryRow("SELECT MAX(created_at) FROM messages").Scan(&latest); err != nil {
		return err
	}
	c.LatestAt = latest.String
	return nil
}

// uploadUsage reports attachment storage without creating the directory.
func uploadUsage(dir string) (int, int64, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return 0, 0, err
	}
	if !info.IsDir() {
		return 0, 0, fmt.Errorf("%s is not a directory", dir)
	}
	content, err := store.NewContentStore(dir)
	if err != nil {
		return 0, 0, err
	}
	return content.Usage()
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func printStatus(out io.Writer, r statusReport) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "chatbridge\t%s\t%s\n", r.Environment, r.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "database\t%s\t%s\n", r.Database, formatBytes(r.Storage.DatabaseBytes))
	fmt.Fprintf(w, "uploads\t%s\t%d files, %s\n", r.Uploads, r.Storage.UploadFiles, formatBytes(r.Storage.UploadBytes))
	if r.Ready {
		c := r.Counts
		fmt.Fprintf(w, "users\t%d\t\n", c.Users)
		fmt.Fprintf(w, "friendships\t%d\t\n", c.Friendships)
		fmt.Fprintf(w, "messages\t%d\t%d undelivered, %d in 24h\n", c.Messages, c.Undelivered, c.Last24h)
		fmt.Fprintf(w, "attachments\t%d\t%s\n", c.Attachments, formatBytes(r.Storage.AttachmentBytes))
		if c.LatestAt != "" {
			fmt.Fprintf(w, "latest\t%s\t\n", c.LatestAt)
		}
	}
	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "warning\t%s\t\n", warning)
	}
	return w.Flush()
}
