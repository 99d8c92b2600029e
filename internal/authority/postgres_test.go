package authority

import (
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/relaydns/relaydns/internal/dns/packet"
)

func TestPostgresQueryReturnsAnswers(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"type", "ttl", "content", "priority", "weight", "port"}).
		AddRow("A", int64(300), "203.0.113.10", nil, nil, nil)
	mock.ExpectQuery("SELECT type, ttl, content, priority, weight, port").
		WithArgs("www.example.com", "A").
		WillReturnRows(rows)

	p := NewPostgres(db, nil)
	resp := p.Query("www.example.com.", packet.A)
	if resp == nil {
		t.Fatal("expected a response, got nil")
	}
	if !resp.Header.AuthoritativeAnswer {
		t.Error("expected AA bit set")
	}
	if len(resp.Answers) != 1 || resp.Answers[0].IP.String() != "203.0.113.10" {
		t.Errorf("unexpected answers: %+v", resp.Answers)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresQueryNoRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"type", "ttl", "content", "priority", "weight", "port"})
	mock.ExpectQuery("SELECT type, ttl, content, priority, weight, port").
		WithArgs("nowhere.example.com", "A").
		WillReturnRows(rows)

	p := NewPostgres(db, nil)
	resp := p.Query("nowhere.example.com.", packet.A)
	if resp != nil {
		t.Errorf("expected nil for no matching rows, got %+v", resp)
	}
}

func TestPostgresQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT type, ttl, content, priority, weight, port").
		WithArgs("broken.example.com", "A").
		WillReturnError(sqlErr{})

	p := NewPostgres(db, nil)
	resp := p.Query("broken.example.com.", packet.A)
	if resp != nil {
		t.Errorf("expected nil on query error, got %+v", resp)
	}
}

func TestPostgresQueryMXRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"type", "ttl", "content", "priority", "weight", "port"}).
		AddRow("MX", int64(3600), "mail.example.com", int32(10), nil, nil)
	mock.ExpectQuery("SELECT type, ttl, content, priority, weight, port").
		WithArgs("example.com", "MX").
		WillReturnRows(rows)

	p := NewPostgres(db, nil)
	resp := p.Query("example.com.", packet.MX)
	if resp == nil || len(resp.Answers) != 1 {
		t.Fatalf("expected one MX answer, got %+v", resp)
	}
	if resp.Answers[0].Host != "mail.example.com" || resp.Answers[0].Priority != 10 {
		t.Errorf("unexpected MX record: %+v", resp.Answers[0])
	}
}

type sqlErr struct{}

func (sqlErr) Error() string { return "connection reset" }
