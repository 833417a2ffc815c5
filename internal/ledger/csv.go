package ledger

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// rosterHeader 本地名单表头，与表格 A..Q 列一致
var rosterHeader = []string{
	"no", "name", "nickname", "student_id",
	"jul", "aug", "sep", "oct", "nov", "dec", "jan", "feb", "mar", "apr", "may", "jun",
	"note",
}

var auditHeader = []string{"timestamp", "student_id", "period", "amount", "reference", "payment_id"}

// CSVConfig 本地 CSV 驱动配置
type CSVConfig struct {
	RosterPath string
	LogPath    string
}

// CSVClient 本地开发用的 CSV 账本
type CSVClient struct {
	cfg CSVConfig
	mu  sync.Mutex
}

// NewCSVClient 创建 CSV 账本客户端
func NewCSVClient(cfg CSVConfig) (*CSVClient, error) {
	cfg.RosterPath = strings.TrimSpace(cfg.RosterPath)
	cfg.LogPath = strings.TrimSpace(cfg.LogPath)
	if cfg.RosterPath == "" {
		return nil, fmt.Errorf("%w: roster_path is required", ErrConfigInvalid)
	}
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join(filepath.Dir(cfg.RosterPath), "payment_log.csv")
	}
	return &CSVClient{cfg: cfg}, nil
}

// ResolveRow 线性扫描名单文件
func (c *CSVClient) ResolveRow(ctx context.Context, studentID string) (int, error) {
	entries, err := c.Roster(ctx)
	if err != nil {
		return 0, err
	}
	return findRow(entries, studentID)
}

// Roster 读取名单，行号与文件行号一致（表头为第 1 行）
func (c *CSVClient) Roster(ctx context.Context) ([]RosterEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	records, err := c.readRoster()
	if err != nil {
		return nil, err
	}
	entries := make([]RosterEntry, 0, len(records))
	for idx, record := range records {
		if idx == 0 {
			continue
		}
		entries = append(entries, parseRosterRow(record, idx+1))
	}
	return entries, nil
}

// WriteAmount 更新名单中的月份列并追加流水
func (c *CSVClient) WriteAmount(ctx context.Context, input WriteInput) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	if _, err := MonthColumn(input.Month); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.readRoster()
	if err != nil {
		return err
	}
	entries := make([]RosterEntry, 0, len(records))
	for idx, record := range records {
		if idx == 0 {
			continue
		}
		entries = append(entries, parseRosterRow(record, idx+1))
	}
	row, err := findRow(entries, input.StudentID)
	if err != nil {
		return err
	}

	col := firstMonthColumnIndex + monthOffset(input.Month)
	record := records[row-1]
	for len(record) <= col {
		record = append(record, "")
	}
	record[col] = FormatAmount(input.Amount)
	records[row-1] = record

	if err := writeCSVAtomic(c.cfg.RosterPath, records); err != nil {
		return err
	}
	return c.appendAudit(auditRow(input))
}

func (c *CSVClient) readRoster() ([][]string, error) {
	file, err := os.Open(c.cfg.RosterPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open roster: %v", ErrRequestFailed, err)
	}
	defer file.Close()
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: parse roster: %v", ErrResponseInvalid, err)
	}
	if len(records) == 0 {
		records = [][]string{rosterHeader}
	}
	return records, nil
}

func (c *CSVClient) appendAudit(row []string) error {
	if err := os.MkdirAll(filepath.Dir(c.cfg.LogPath), 0o755); err != nil {
		return fmt.Errorf("%w: create log dir: %v", ErrRequestFailed, err)
	}
	_, statErr := os.Stat(c.cfg.LogPath)
	fresh := errors.Is(statErr, os.ErrNotExist)

	file, err := os.OpenFile(c.cfg.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open log: %v", ErrRequestFailed, err)
	}
	defer file.Close()
	writer := csv.NewWriter(file)
	if fresh {
		if err := writer.Write(auditHeader); err != nil {
			return fmt.Errorf("%w: write log header: %v", ErrRequestFailed, err)
		}
	}
	if err := writer.Write(row); err != nil {
		return fmt.Errorf("%w: write log: %v", ErrRequestFailed, err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("%w: flush log: %v", ErrRequestFailed, err)
	}
	return nil
}

func writeCSVAtomic(path string, records [][]string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".roster-*.csv")
	if err != nil {
		return fmt.Errorf("%w: create temp roster: %v", ErrRequestFailed, err)
	}
	tmpName := tmp.Name()
	writer := csv.NewWriter(tmp)
	if err := writer.WriteAll(records); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: write roster: %v", ErrRequestFailed, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: close roster: %v", ErrRequestFailed, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: replace roster: %v", ErrRequestFailed, err)
	}
	return nil
}

func monthOffset(month int) int {
	for i, m := range columnOrder {
		if m == month {
			return i
		}
	}
	return -1
}
