package authority

import (
	"context"
	"database/sql"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/relaydns/relaydns/internal/dns/packet"
)

// Postgres is an Authority backed by a zone table, queried through
// database/sql with the pgx driver. It answers A/AAAA/CNAME/NS/MX/TXT/SRV
// from a single flat records table. When no row matches it returns nil; it
// does not build NXDOMAIN or SOA-backed negative answers.
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgres wraps an already-opened *sql.DB (registered under the pgx
// driver name by the caller) as an Authority.
func NewPostgres(db *sql.DB, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, logger: logger}
}

// Query implements Authority. It is safe to call with no surrounding
// context deadline; a short internal timeout bounds the query.
func (p *Postgres) Query(name string, qtype packet.QueryType) *packet.DNSPacket {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `
		SELECT type, ttl, content, priority, weight, port
		FROM dns_records
		WHERE LOWER(name) = LOWER($1) AND type = $2`,
		strings.TrimSuffix(name, "."), qtype.String())
	if err != nil {
		p.logger.Warn("authority query failed", "name", name, "qtype", qtype, "error", err)
		return nil
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			p.logger.Warn("authority rows close failed", "error", cerr)
		}
	}()

	var answers []packet.DNSRecord
	for rows.Next() {
		var rtype, content string
		var ttl int64
		var priority, weight, port sql.NullInt32
		if err := rows.Scan(&rtype, &ttl, &content, &priority, &weight, &port); err != nil {
			p.logger.Warn("authority row scan failed", "error", err)
			return nil
		}

		rec := packet.DNSRecord{Name: name, Type: qtype, TTL: uint32(ttl)}
		switch qtype {
		case packet.A, packet.AAAA:
			rec.IP = net.ParseIP(content)
		case packet.NS, packet.CNAME:
			rec.Host = content
		case packet.MX:
			rec.Host = content
			if priority.Valid {
				rec.Priority = uint16(priority.Int32)
			}
		case packet.SRV:
			rec.Host = content
			if priority.Valid {
				rec.Priority = uint16(priority.Int32)
			}
			if weight.Valid {
				rec.Weight = uint16(weight.Int32)
			}
			if port.Valid {
				rec.Port = uint16(port.Int32)
			}
		case packet.TXT:
			rec.Txt = content
		default:
			continue
		}
		answers = append(answers, rec)
	}

	if len(answers) == 0 {
		return nil
	}

	out := packet.NewDNSPacket()
	out.Header.AuthoritativeAnswer = true
	out.Answers = answers
	return out
}

const queryTimeout = 2 * time.Second
