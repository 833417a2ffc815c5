package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// 驱动名称
const (
	DriverSheets = "sheets"
	DriverCSV    = "csv"
)

var (
	// ErrStudentNotFound 名单中不存在该学号
	ErrStudentNotFound = errors.New("student not found in roster")
	// ErrUnmappedMonth 月份没有对应的账本列
	ErrUnmappedMonth = errors.New("month has no ledger column")
	// ErrConfigInvalid 账本配置错误
	ErrConfigInvalid = errors.New("ledger config invalid")
	// ErrRequestFailed 账本请求失败
	ErrRequestFailed = errors.New("ledger request failed")
	// ErrResponseInvalid 账本响应异常
	ErrResponseInvalid = errors.New("ledger response invalid")
)

// monthColumns 账本月份列，学年从七月开始
var monthColumns = map[int]string{
	7:  "E",
	8:  "F",
	9:  "G",
	10: "H",
	11: "I",
	12: "J",
	1:  "K",
	2:  "L",
	3:  "M",
	4:  "N",
	5:  "O",
	6:  "P",
}

// columnOrder 按表格顺序排列的月份
var columnOrder = []int{7, 8, 9, 10, 11, 12, 1, 2, 3, 4, 5, 6}

// firstMonthColumnIndex E 列在行中的下标
const firstMonthColumnIndex = 4

// RosterEntry 名单中的一行
type RosterEntry struct {
	No        string         `json:"no"`
	Name      string         `json:"name"`
	Nickname  string         `json:"nickname"`
	StudentID string         `json:"student_id"`
	Row       int            `json:"row"`
	Paid      map[int]string `json:"paid,omitempty"` // 月份 -> 已记录金额
	Note      string         `json:"note,omitempty"`
}

// WriteInput 记账参数
type WriteInput struct {
	StudentID string
	Month     int
	Year      int
	Amount    decimal.Decimal
	Reference string
	PaymentID string
	At        time.Time
}

// Client 外部账本
type Client interface {
	ResolveRow(ctx context.Context, studentID string) (int, error)
	WriteAmount(ctx context.Context, input WriteInput) error
	Roster(ctx context.Context) ([]RosterEntry, error)
}

// Options 账本驱动配置
type Options struct {
	Driver string
	Sheets SheetsConfig
	CSV    CSVConfig
}

// New 根据驱动创建账本客户端
func New(opts Options) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case DriverSheets:
		return NewSheetsClient(opts.Sheets)
	case "", DriverCSV:
		return NewCSVClient(opts.CSV)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %s", ErrConfigInvalid, opts.Driver)
	}
}

// MonthColumn 返回月份对应的列字母
func MonthColumn(month int) (string, error) {
	column, ok := monthColumns[month]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnmappedMonth, month)
	}
	return column, nil
}

// HasMonthColumn 判断月份是否可记账
func HasMonthColumn(month int) bool {
	_, ok := monthColumns[month]
	return ok
}

// FormatAmount 金额统一写成两位小数
func FormatAmount(amount decimal.Decimal) string {
	return amount.Round(2).StringFixed(2)
}

// auditRow 流水日志行：时间、学号、账期、金额、参考号、支付ID
func auditRow(input WriteInput) []string {
	at := input.At
	if at.IsZero() {
		at = time.Now()
	}
	return []string{
		at.UTC().Format(time.RFC3339),
		input.StudentID,
		fmt.Sprintf("%04d-%02d", input.Year, input.Month),
		FormatAmount(input.Amount),
		input.Reference,
		input.PaymentID,
	}
}

// parseRosterRow 将 A..P 列解析为名单行
func parseRosterRow(cells []string, row int) RosterEntry {
	entry := RosterEntry{Row: row}
	get := func(idx int) string {
		if idx < len(cells) {
			return strings.TrimSpace(cells[idx])
		}
		return ""
	}
	entry.No = get(0)
	entry.Name = get(1)
	entry.Nickname = get(2)
	entry.StudentID = get(3)
	for i, month := range columnOrder {
		if value := get(firstMonthColumnIndex + i); value != "" {
			if entry.Paid == nil {
				entry.Paid = make(map[int]string)
			}
			entry.Paid[month] = value
		}
	}
	entry.Note = get(firstMonthColumnIndex + len(columnOrder))
	return entry
}

// findRow 线性扫描名单查找学号
func findRow(entries []RosterEntry, studentID string) (int, error) {
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return 0, ErrStudentNotFound
	}
	for _, entry := range entries {
		if entry.StudentID == studentID {
			return entry.Row, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrStudentNotFound, studentID)
}
