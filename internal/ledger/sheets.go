package ledger

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSheetsAPIBaseURL = "https://sheets.googleapis.com"
	defaultTokenURL         = "https://oauth2.googleapis.com/token"
	defaultSheetName        = "รายชื่อ67"
	defaultLogSheetName     = "payment_log"
	defaultFirstRow         = 6
	defaultHTTPTimeout      = 15 * time.Second
	sheetsScope             = "https://www.googleapis.com/auth/spreadsheets"
	jwtBearerGrantType      = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	tokenLifetime           = time.Hour
	tokenRefreshSkew        = time.Minute
)

// SheetsConfig Google Sheets 驱动配置
type SheetsConfig struct {
	SpreadsheetID string
	SheetName     string
	LogSheetName  string
	FirstRow      int
	ClientEmail   string
	PrivateKey    string
	TokenURL      string
	APIBaseURL    string
	HTTPClient    *http.Client
	Now           func() time.Time
}

func (c *SheetsConfig) normalize() {
	c.SpreadsheetID = strings.TrimSpace(c.SpreadsheetID)
	c.SheetName = strings.TrimSpace(c.SheetName)
	if c.SheetName == "" {
		c.SheetName = defaultSheetName
	}
	c.LogSheetName = strings.TrimSpace(c.LogSheetName)
	if c.LogSheetName == "" {
		c.LogSheetName = defaultLogSheetName
	}
	if c.FirstRow <= 0 {
		c.FirstRow = defaultFirstRow
	}
	c.ClientEmail = strings.TrimSpace(c.ClientEmail)
	c.TokenURL = strings.TrimSpace(c.TokenURL)
	if c.TokenURL == "" {
		c.TokenURL = defaultTokenURL
	}
	c.APIBaseURL = strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	if c.APIBaseURL == "" {
		c.APIBaseURL = defaultSheetsAPIBaseURL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// SheetsClient 基于 Sheets v4 REST 的账本
type SheetsClient struct {
	cfg SheetsConfig
	key *rsa.PrivateKey

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

// NewSheetsClient 创建 Sheets 账本客户端
func NewSheetsClient(cfg SheetsConfig) (*SheetsClient, error) {
	cfg.normalize()
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("%w: spreadsheet_id is required", ErrConfigInvalid)
	}
	if cfg.ClientEmail == "" {
		return nil, fmt.Errorf("%w: client_email is required", ErrConfigInvalid)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("%w: private_key: %v", ErrConfigInvalid, err)
	}
	return &SheetsClient{cfg: cfg, key: key}, nil
}

// ResolveRow 每次调用都重新读取名单
func (c *SheetsClient) ResolveRow(ctx context.Context, studentID string) (int, error) {
	entries, err := c.Roster(ctx)
	if err != nil {
		return 0, err
	}
	return findRow(entries, studentID)
}

// Roster 读取名单 A..Q 列
func (c *SheetsClient) Roster(ctx context.Context) ([]RosterEntry, error) {
	rng := fmt.Sprintf("%s!A%d:Q", c.cfg.SheetName, c.cfg.FirstRow)
	body, err := c.do(ctx, http.MethodGet, c.valuesPath(rng), nil, nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Values [][]interface{} `json:"values"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode values failed", ErrResponseInvalid)
	}
	entries := make([]RosterEntry, 0, len(payload.Values))
	for idx, raw := range payload.Values {
		cells := make([]string, len(raw))
		for i, cell := range raw {
			if cell != nil {
				cells[i] = fmt.Sprint(cell)
			}
		}
		entries = append(entries, parseRosterRow(cells, idx+c.cfg.FirstRow))
	}
	return entries, nil
}

// WriteAmount 写入单元格后追加流水日志
func (c *SheetsClient) WriteAmount(ctx context.Context, input WriteInput) error {
	column, err := MonthColumn(input.Month)
	if err != nil {
		return err
	}
	row, err := c.ResolveRow(ctx, input.StudentID)
	if err != nil {
		return err
	}

	cell := fmt.Sprintf("%s!%s%d", c.cfg.SheetName, column, row)
	query := url.Values{}
	query.Set("valueInputOption", "USER_ENTERED")
	update := map[string]interface{}{
		"range":          cell,
		"majorDimension": "ROWS",
		"values":         [][]string{{FormatAmount(input.Amount)}},
	}
	if _, err := c.do(ctx, http.MethodPut, c.valuesPath(cell), query, update); err != nil {
		return err
	}

	logRange := fmt.Sprintf("%s!A:F", c.cfg.LogSheetName)
	appendQuery := url.Values{}
	appendQuery.Set("valueInputOption", "USER_ENTERED")
	appendQuery.Set("insertDataOption", "INSERT_ROWS")
	appendBody := map[string]interface{}{
		"majorDimension": "ROWS",
		"values":         [][]string{auditRow(input)},
	}
	if _, err := c.do(ctx, http.MethodPost, c.valuesPath(logRange)+":append", appendQuery, appendBody); err != nil {
		return err
	}
	return nil
}

func (c *SheetsClient) valuesPath(rng string) string {
	return fmt.Sprintf("/v4/spreadsheets/%s/values/%s", url.PathEscape(c.cfg.SpreadsheetID), url.PathEscape(rng))
}

func (c *SheetsClient) do(ctx context.Context, method, path string, query url.Values, payload interface{}) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	endpoint := c.cfg.APIBaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: encode request failed", ErrRequestFailed)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: build request failed", ErrRequestFailed)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response failed", ErrResponseInvalid)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.invalidateToken()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: http status %d", ErrRequestFailed, resp.StatusCode)
	}
	return body, nil
}

// token 返回缓存的访问令牌，临近过期时重新换取
func (c *SheetsClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.cfg.Now()
	if c.accessToken != "" && now.Add(tokenRefreshSkew).Before(c.expiresAt) {
		return c.accessToken, nil
	}

	claims := jwt.MapClaims{
		"iss":   c.cfg.ClientEmail,
		"scope": sheetsScope,
		"aud":   c.cfg.TokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(tokenLifetime).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("%w: sign assertion failed: %v", ErrConfigInvalid, err)
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrantType)
	form.Set("assertion", assertion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: build token request failed", ErrRequestFailed)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token exchange: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read token response failed", ErrResponseInvalid)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token exchange http status %d", ErrRequestFailed, resp.StatusCode)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || strings.TrimSpace(payload.AccessToken) == "" {
		return "", fmt.Errorf("%w: token response missing access_token", ErrResponseInvalid)
	}
	if payload.ExpiresIn <= 0 {
		payload.ExpiresIn = int64(tokenLifetime / time.Second)
	}
	c.accessToken = payload.AccessToken
	c.expiresAt = now.Add(time.Duration(payload.ExpiresIn) * time.Second)
	return c.accessToken, nil
}

func (c *SheetsClient) invalidateToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}
