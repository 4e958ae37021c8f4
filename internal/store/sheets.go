package store

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"nfsync/internal/logger"
)

// SheetsStore implements TabularStore on a Google Sheets spreadsheet.
// Each logical ledger is one worksheet; the dedup key lives in column A.
type SheetsStore struct {
	sheetsService *sheets.Service
	spreadsheetID string
	log           zerolog.Logger

	// ensured caches ledger names whose existence and header have been
	// verified, to avoid a spreadsheet metadata fetch per write.
	mu      sync.Mutex
	ensured map[string]bool
}

// NewSheetsStore creates a store bound to the spreadsheet identified by
// sheetURL (a full Google Sheets URL or a bare spreadsheet ID). Credentials
// come from GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_CREDENTIALS.
func NewSheetsStore(ctx context.Context, sheetURL string) (*SheetsStore, error) {
	const op = "NewSheetsStore"

	log := logger.WithComponent("sheets-store")

	spreadsheetID, err := extractSpreadsheetID(sheetURL)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to extract spreadsheet ID: %w", op, err)
	}

	var creds []byte
	if credsFile := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); credsFile != "" {
		creds, err = os.ReadFile(credsFile)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to read credentials file: %w", op, err)
		}
	} else if credsJSON := os.Getenv("GOOGLE_CREDENTIALS"); credsJSON != "" {
		creds = []byte(credsJSON)
	} else {
		return nil, fmt.Errorf("%s: neither GOOGLE_APPLICATION_CREDENTIALS nor GOOGLE_CREDENTIALS is set", op)
	}

	config, err := google.JWTConfigFromJSON(creds, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse credentials: %w", op, err)
	}

	client := config.Client(ctx)
	sheetsService, err := sheets.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create sheets service: %w", op, err)
	}

	return &SheetsStore{
		sheetsService: sheetsService,
		spreadsheetID: spreadsheetID,
		log:           log,
		ensured:       make(map[string]bool),
	}, nil
}

// extractSpreadsheetID extracts the spreadsheet ID from a Google Sheets URL,
// accepting a bare ID as-is.
func extractSpreadsheetID(url string) (string, error) {
	re := regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9-_]+)`)
	matches := re.FindStringSubmatch(url)
	if len(matches) >= 2 {
		return matches[1], nil
	}
	if regexp.MustCompile(`^[a-zA-Z0-9-_]+$`).MatchString(url) {
		return url, nil
	}
	return "", fmt.Errorf("invalid Google Sheets URL format")
}

// EnsureLedger finds or creates the worksheet and seeds its header block.
func (s *SheetsStore) EnsureLedger(ctx context.Context, name string, header Header) (LedgerHandle, error) {
	const op = "EnsureLedger"

	s.mu.Lock()
	known := s.ensured[name]
	s.mu.Unlock()
	if known {
		return LedgerHandle{Name: name}, nil
	}

	spreadsheet, err := s.sheetsService.Spreadsheets.Get(s.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return LedgerHandle{}, NewWriteError(op, name, err)
	}

	var sheetExists bool
	var sheetID int64
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties.Title == name {
			sheetExists = true
			sheetID = sheet.Properties.SheetId
			break
		}
	}

	created := false
	if !sheetExists {
		s.log.Info().Str("ledger", name).Msg("Creating new ledger worksheet")

		batchUpdateReq := &sheets.BatchUpdateSpreadsheetRequest{
			Requests: []*sheets.Request{
				{AddSheet: &sheets.AddSheetRequest{
					Properties: &sheets.SheetProperties{Title: name},
				}},
			},
		}
		resp, err := s.sheetsService.Spreadsheets.BatchUpdate(s.spreadsheetID, batchUpdateReq).Context(ctx).Do()
		if err != nil {
			return LedgerHandle{}, NewWriteError(op, name, err)
		}
		sheetID = resp.Replies[0].AddSheet.Properties.SheetId
		created = true
	}

	if err := s.ensureHeader(ctx, name, sheetID, header); err != nil {
		return LedgerHandle{}, err
	}

	s.mu.Lock()
	s.ensured[name] = true
	s.mu.Unlock()

	return LedgerHandle{Name: name, Created: created}, nil
}

// ensureHeader writes the meta banner and the column header row if the
// header cell is empty.
func (s *SheetsStore) ensureHeader(ctx context.Context, name string, sheetID int64, header Header) error {
	const op = "ensureHeader"

	headerRow := len(header.Meta) + 1
	checkRange := fmt.Sprintf("%s!A%d:A%d", name, headerRow, headerRow)
	resp, err := s.sheetsService.Spreadsheets.Values.Get(s.spreadsheetID, checkRange).Context(ctx).Do()
	if err != nil {
		return NewWriteError(op, name, err)
	}
	if len(resp.Values) > 0 && len(resp.Values[0]) > 0 {
		return nil
	}

	s.log.Info().Str("ledger", name).Msg("Seeding ledger header")

	var values [][]interface{}
	for _, meta := range header.Meta {
		values = append(values, []interface{}{meta})
	}
	columns := make([]interface{}, len(header.Columns))
	for i, c := range header.Columns {
		columns[i] = c
	}
	values = append(values, columns)

	writeRange := fmt.Sprintf("%s!A1", name)
	_, err = s.sheetsService.Spreadsheets.Values.Update(
		s.spreadsheetID,
		writeRange,
		&sheets.ValueRange{Values: values},
	).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return NewWriteError(op, name, err)
	}

	if err := s.formatHeader(ctx, sheetID, int64(headerRow), int64(len(header.Columns))); err != nil {
		s.log.Warn().Err(err).Str("ledger", name).Msg("Failed to format header, continuing anyway")
	}
	return nil
}

// formatHeader makes the column header row bold with a light background.
func (s *SheetsStore) formatHeader(ctx context.Context, sheetID, headerRow, columns int64) error {
	requests := []*sheets.Request{
		{
			RepeatCell: &sheets.RepeatCellRequest{
				Range: &sheets.GridRange{
					SheetId:          sheetID,
					StartRowIndex:    headerRow - 1,
					EndRowIndex:      headerRow,
					StartColumnIndex: 0,
					EndColumnIndex:   columns,
				},
				Cell: &sheets.CellData{
					UserEnteredFormat: &sheets.CellFormat{
						TextFormat: &sheets.TextFormat{Bold: true},
						BackgroundColor: &sheets.Color{
							Red:   0.9,
							Green: 0.9,
							Blue:  0.9,
						},
					},
				},
				Fields: "userEnteredFormat(textFormat,backgroundColor)",
			},
		},
	}

	_, err := s.sheetsService.Spreadsheets.BatchUpdate(s.spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: requests,
	}).Context(ctx).Do()
	return err
}

// ReadRowByKey scans column A for key and returns the matching row.
func (s *SheetsStore) ReadRowByKey(ctx context.Context, ledger, key string) (Row, bool, error) {
	const op = "ReadRowByKey"

	rowNum, found, err := s.findRowByKey(ctx, ledger, key)
	if err != nil {
		return nil, false, NewWriteError(op, ledger, err)
	}
	if !found {
		return nil, false, nil
	}

	readRange := fmt.Sprintf("%s!A%d:Z%d", ledger, rowNum, rowNum)
	resp, err := s.sheetsService.Spreadsheets.Values.Get(s.spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return nil, false, NewWriteError(op, ledger, err)
	}
	if len(resp.Values) == 0 {
		return nil, false, nil
	}
	return Row(resp.Values[0]), true, nil
}

// UpsertRow replaces the row holding key in place, or appends a new one.
func (s *SheetsStore) UpsertRow(ctx context.Context, ledger, key string, row Row) (bool, error) {
	const op = "UpsertRow"

	rowNum, found, err := s.findRowByKey(ctx, ledger, key)
	if err != nil {
		return false, NewWriteError(op, ledger, err)
	}

	valueRange := &sheets.ValueRange{Values: [][]interface{}{row}}
	if found {
		writeRange := fmt.Sprintf("%s!A%d", ledger, rowNum)
		_, err = s.sheetsService.Spreadsheets.Values.Update(
			s.spreadsheetID, writeRange, valueRange,
		).ValueInputOption("USER_ENTERED").Context(ctx).Do()
		if err != nil {
			return false, NewWriteError(op, ledger, err)
		}
		return false, nil
	}

	_, err = s.sheetsService.Spreadsheets.Values.Append(
		s.spreadsheetID, ledger+"!A:Z", valueRange,
	).ValueInputOption("USER_ENTERED").Context(ctx).Do()
	if err != nil {
		return false, NewWriteError(op, ledger, err)
	}
	return true, nil
}

// AppendRows appends rows to the end of the ledger.
func (s *SheetsStore) AppendRows(ctx context.Context, ledger string, rows []Row) error {
	const op = "AppendRows"

	if len(rows) == 0 {
		return nil
	}
	values := make([][]interface{}, len(rows))
	for i, row := range rows {
		values[i] = row
	}

	_, err := s.sheetsService.Spreadsheets.Values.Append(
		s.spreadsheetID, ledger+"!A:Z", &sheets.ValueRange{Values: values},
	).ValueInputOption("USER_ENTERED").Context(ctx).Do()
	if err != nil {
		return NewWriteError(op, ledger, err)
	}

	s.log.Debug().
		Str("ledger", ledger).
		Int("rows", len(rows)).
		Msg("Appended rows to ledger")
	return nil
}

// ReplaceRowsByKey clears every row carrying key, then appends the new rows.
// Cleared rows stay blank; readers skip empty rows.
func (s *SheetsStore) ReplaceRowsByKey(ctx context.Context, ledger, key string, rows []Row) error {
	const op = "ReplaceRowsByKey"

	matches, err := s.findAllRowsByKey(ctx, ledger, key)
	if err != nil {
		return NewWriteError(op, ledger, err)
	}

	if len(matches) > 0 {
		ranges := make([]string, len(matches))
		for i, rowNum := range matches {
			ranges[i] = fmt.Sprintf("%s!A%d:Z%d", ledger, rowNum, rowNum)
		}
		_, err = s.sheetsService.Spreadsheets.Values.BatchClear(
			s.spreadsheetID, &sheets.BatchClearValuesRequest{Ranges: ranges},
		).Context(ctx).Do()
		if err != nil {
			return NewWriteError(op, ledger, err)
		}
	}

	return s.AppendRows(ctx, ledger, rows)
}

// ReadAllRows returns every non-empty row of the ledger, header rows included;
// callers filter by key shape.
func (s *SheetsStore) ReadAllRows(ctx context.Context, ledger string) ([]Row, error) {
	const op = "ReadAllRows"

	resp, err := s.sheetsService.Spreadsheets.Values.Get(s.spreadsheetID, ledger+"!A:Z").Context(ctx).Do()
	if err != nil {
		return nil, NewWriteError(op, ledger, err)
	}

	var rows []Row
	for _, values := range resp.Values {
		if rowEmpty(values) {
			continue
		}
		rows = append(rows, Row(values))
	}
	return rows, nil
}

// Ping verifies the spreadsheet is reachable with the configured credentials.
func (s *SheetsStore) Ping(ctx context.Context) error {
	const op = "Ping"

	_, err := s.sheetsService.Spreadsheets.Get(s.spreadsheetID).Fields("spreadsheetId").Context(ctx).Do()
	if err != nil {
		return NewWriteError(op, "", err)
	}
	return nil
}

// findRowByKey returns the 1-based row number of the first row whose key
// cell equals key.
func (s *SheetsStore) findRowByKey(ctx context.Context, ledger, key string) (int64, bool, error) {
	matches, err := s.findAllRowsByKey(ctx, ledger, key)
	if err != nil {
		return 0, false, err
	}
	if len(matches) == 0 {
		return 0, false, nil
	}
	return matches[0], true, nil
}

func (s *SheetsStore) findAllRowsByKey(ctx context.Context, ledger, key string) ([]int64, error) {
	resp, err := s.sheetsService.Spreadsheets.Values.Get(s.spreadsheetID, ledger+"!A:A").Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	var matches []int64
	for i, values := range resp.Values {
		if len(values) == 0 {
			continue
		}
		if cell, ok := values[0].(string); ok && cell == key {
			matches = append(matches, int64(i+1))
		}
	}
	return matches, nil
}

func rowEmpty(values []interface{}) bool {
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			return false
		}
		if _, ok := v.(string); !ok && v != nil {
			return false
		}
	}
	return true
}
