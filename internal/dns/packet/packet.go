// Package packet provides functionality for parsing and serializing DNS packets.
package packet

import (
	"fmt"
	"net"
)

// QueryType represents the DNS record type field (e.g., A, NS, MX).
type QueryType uint16

const (
	// UNKNOWN represents an unrecognized DNS query type.
	UNKNOWN QueryType = 0
	// A represents an IPv4 address record.
	A QueryType = 1
	// NS represents an authoritative name server record.
	NS QueryType = 2
	// CNAME represents a canonical name for an alias.
	CNAME QueryType = 5
	// SOA represents the start of a zone of authority record.
	SOA QueryType = 6
	// MX represents a mail exchange record.
	MX QueryType = 15
	// TXT represents text records.
	TXT QueryType = 16
	// AAAA represents an IPv6 address record.
	AAAA QueryType = 28
	// SRV represents service location records (RFC 2782).
	SRV QueryType = 33
	// OPT represents an EDNS(0) pseudo-RR (RFC 6891).
	OPT QueryType = 41
)

// String returns the human-readable representation of a QueryType.
func (t QueryType) String() string {
	switch t {
	case A:
		return "A"
	case NS:
		return "NS"
	case CNAME:
		return "CNAME"
	case SOA:
		return "SOA"
	case MX:
		return "MX"
	case TXT:
		return "TXT"
	case AAAA:
		return "AAAA"
	case SRV:
		return "SRV"
	case OPT:
		return "OPT"
	default:
		return fmt.Sprintf("TYPE%d", uint16(t))
	}
}

const (
	// OpcodeQuery represents a standard DNS query.
	OpcodeQuery uint8 = 0
)

const (
	// RcodeNoError indicates no error condition.
	RcodeNoError uint8 = 0
	// RcodeFormErr indicates a format error in the request.
	RcodeFormErr uint8 = 1
	// RcodeServFail indicates a server failure.
	RcodeServFail uint8 = 2
	// RcodeNxDomain indicates the domain name does not exist.
	RcodeNxDomain uint8 = 3
	// RcodeNotImp indicates the request is not implemented.
	RcodeNotImp uint8 = 4
	// RcodeRefused indicates the server refuses to perform the operation.
	RcodeRefused uint8 = 5
)

// DNSHeader represents the 12-octet header section of a DNS packet.
type DNSHeader struct {
	ID                 uint16
	RecursionDesired   bool
	TruncatedMessage   bool
	AuthoritativeAnswer bool
	Opcode             uint8
	Response           bool
	ResCode            uint8 // RCODE
	CheckingDisabled   bool
	AuthedData         bool
	Z                  bool
	RecursionAvailable bool

	Questions            uint16
	Answers              uint16
	AuthoritativeEntries uint16
	ResourceEntries      uint16
}

// NewDNSHeader creates and returns a pointer to a new DNSHeader.
func NewDNSHeader() *DNSHeader {
	return &DNSHeader{}
}

// Read populates the DNSHeader fields by reading from the provided buffer.
func (h *DNSHeader) Read(buffer Buffer) error {
	var err error
	h.ID, err = buffer.ReadU16()
	if err != nil {
		return err
	}

	flags, err := buffer.ReadU16()
	if err != nil {
		return err
	}

	a := uint8(flags >> 8)
	b := uint8(flags & 0xFF)

	h.RecursionDesired = (a & (1 << 0)) > 0
	h.TruncatedMessage = (a & (1 << 1)) > 0
	h.AuthoritativeAnswer = (a & (1 << 2)) > 0
	h.Opcode = (a >> 3) & 0x0F
	h.Response = (a & (1 << 7)) > 0

	h.ResCode = b & 0x0F
	h.CheckingDisabled = (b & (1 << 4)) > 0
	h.AuthedData = (b & (1 << 5)) > 0
	h.Z = (b & (1 << 6)) > 0
	h.RecursionAvailable = (b & (1 << 7)) > 0

	if h.Questions, err = buffer.ReadU16(); err != nil {
		return err
	}
	if h.Answers, err = buffer.ReadU16(); err != nil {
		return err
	}
	if h.AuthoritativeEntries, err = buffer.ReadU16(); err != nil {
		return err
	}
	if h.ResourceEntries, err = buffer.ReadU16(); err != nil {
		return err
	}

	return nil
}

// Write serializes the DNSHeader into the provided buffer.
func (h *DNSHeader) Write(buffer Buffer) error {
	if err := buffer.WriteU16(h.ID); err != nil {
		return err
	}

	var flags uint16
	if h.Response {
		flags |= 1 << 15
	}
	flags |= uint16(h.Opcode) << 11
	if h.AuthoritativeAnswer {
		flags |= 1 << 10
	}
	if h.TruncatedMessage {
		flags |= 1 << 9
	}
	if h.RecursionDesired {
		flags |= 1 << 8
	}
	if h.RecursionAvailable {
		flags |= 1 << 7
	}
	if h.Z {
		flags |= 1 << 6
	}
	if h.AuthedData {
		flags |= 1 << 5
	}
	if h.CheckingDisabled {
		flags |= 1 << 4
	}
	flags |= uint16(h.ResCode)

	if err := buffer.WriteU16(flags); err != nil {
		return err
	}
	if err := buffer.WriteU16(h.Questions); err != nil {
		return err
	}
	if err := buffer.WriteU16(h.Answers); err != nil {
		return err
	}
	if err := buffer.WriteU16(h.AuthoritativeEntries); err != nil {
		return err
	}
	return buffer.WriteU16(h.ResourceEntries)
}

// DNSQuestion represents a single question in the DNS question section.
type DNSQuestion struct {
	Name  string
	QType QueryType
}

// NewDNSQuestion creates and returns a pointer to a new DNSQuestion.
func NewDNSQuestion(name string, qtype QueryType) *DNSQuestion {
	return &DNSQuestion{Name: name, QType: qtype}
}

// Read populates the DNSQuestion fields by reading from the provided buffer.
func (q *DNSQuestion) Read(buffer Buffer) error {
	var err error
	q.Name, err = buffer.ReadName()
	if err != nil {
		return err
	}

	qtype, err := buffer.ReadU16()
	if err != nil {
		return err
	}
	q.QType = QueryType(qtype)

	_, err = buffer.ReadU16() // QCLASS
	return err
}

// Write serializes the DNSQuestion into the provided buffer.
func (q *DNSQuestion) Write(buffer Buffer) error {
	if err := buffer.WriteName(q.Name); err != nil {
		return err
	}
	if err := buffer.WriteU16(uint16(q.QType)); err != nil {
		return err
	}
	return buffer.WriteU16(1) // CLASS IN
}

// EdnsOption represents a single option in an OPT pseudo-RR (RFC 6891).
type EdnsOption struct {
	Code uint16
	Data []byte
}

// DNSRecord represents a single DNS resource record, tagged by Type.
// Only fields relevant to the active Type are populated.
type DNSRecord struct {
	Name  string
	Type  QueryType
	Class uint16
	TTL   uint32
	Data  []byte // UNKNOWN

	IP       net.IP // A/AAAA
	Host     string // NS/CNAME
	Priority uint16 // MX/SRV
	Weight   uint16 // SRV
	Port     uint16 // SRV
	Txt      string // TXT

	MName   string // SOA
	RName   string // SOA
	Serial  uint32 // SOA
	Refresh uint32 // SOA
	Retry   uint32 // SOA
	Expire  uint32 // SOA
	Minimum uint32 // SOA

	UDPPayloadSize uint16 // OPT: repurposes Class
	ExtendedRcode  uint8  // OPT: repurposes TTL high octet
	EDNSVersion    uint8  // OPT: repurposes TTL
	Z              uint16 // OPT: repurposes TTL low word
	Options        []EdnsOption
}

// Read populates the DNSRecord fields by reading from the provided buffer.
func (r *DNSRecord) Read(buffer Buffer) error {
	var err error
	r.Name, err = buffer.ReadName()
	if err != nil {
		return err
	}

	typeVal, err := buffer.ReadU16()
	if err != nil {
		return err
	}
	r.Type = QueryType(typeVal)

	if r.Class, err = buffer.ReadU16(); err != nil {
		return err
	}
	if r.TTL, err = buffer.ReadU32(); err != nil {
		return err
	}

	dataLen, err := buffer.ReadU16()
	if err != nil {
		return err
	}

	switch r.Type {
	case A:
		raw, err := buffer.ReadRange(4)
		if err != nil {
			return err
		}
		r.IP = net.IP(raw)
	case AAAA:
		raw, err := buffer.ReadRange(16)
		if err != nil {
			return err
		}
		r.IP = net.IP(raw)
	case NS, CNAME:
		if r.Host, err = buffer.ReadName(); err != nil {
			return err
		}
	case MX:
		if r.Priority, err = buffer.ReadU16(); err != nil {
			return err
		}
		if r.Host, err = buffer.ReadName(); err != nil {
			return err
		}
	case SRV:
		if r.Priority, err = buffer.ReadU16(); err != nil {
			return err
		}
		if r.Weight, err = buffer.ReadU16(); err != nil {
			return err
		}
		if r.Port, err = buffer.ReadU16(); err != nil {
			return err
		}
		if r.Host, err = buffer.ReadName(); err != nil {
			return err
		}
	case TXT:
		raw, err := buffer.ReadRange(int(dataLen))
		if err != nil {
			return err
		}
		r.Txt = string(raw)
	case SOA:
		if r.MName, err = buffer.ReadName(); err != nil {
			return err
		}
		if r.RName, err = buffer.ReadName(); err != nil {
			return err
		}
		if r.Serial, err = buffer.ReadU32(); err != nil {
			return err
		}
		if r.Refresh, err = buffer.ReadU32(); err != nil {
			return err
		}
		if r.Retry, err = buffer.ReadU32(); err != nil {
			return err
		}
		if r.Expire, err = buffer.ReadU32(); err != nil {
			return err
		}
		if r.Minimum, err = buffer.ReadU32(); err != nil {
			return err
		}
	case OPT:
		r.UDPPayloadSize = r.Class
		r.ExtendedRcode = uint8(r.TTL >> 24)
		r.EDNSVersion = uint8((r.TTL >> 16) & 0xFF)
		r.Z = uint16(r.TTL & 0xFFFF)
		remaining := int(dataLen)
		for remaining >= 4 {
			optCode, err := buffer.ReadU16()
			if err != nil {
				return err
			}
			optLen, err := buffer.ReadU16()
			if err != nil {
				return err
			}
			if int(optLen) > remaining-4 {
				break
			}
			optData, err := buffer.ReadRange(int(optLen))
			if err != nil {
				return err
			}
			r.Options = append(r.Options, EdnsOption{Code: optCode, Data: optData})
			remaining -= 4 + int(optLen)
		}
	default:
		r.Data, err = buffer.ReadRange(int(dataLen))
		if err != nil {
			return err
		}
	}
	return nil
}

// Write serializes the DNSRecord into the provided buffer, back-patching
// RDLENGTH once RDATA has been written. Returns the number of bytes written.
func (r *DNSRecord) Write(buffer Buffer) (int, error) {
	startPos := buffer.Pos()

	if r.Type == OPT {
		if err := buffer.WriteByte(0); err != nil {
			return 0, err
		}
		if err := buffer.WriteU16(uint16(r.Type)); err != nil {
			return 0, err
		}
		if err := buffer.WriteU16(r.UDPPayloadSize); err != nil {
			return 0, err
		}
		ttl := uint32(r.ExtendedRcode)<<24 | uint32(r.EDNSVersion)<<16 | uint32(r.Z)
		if err := buffer.WriteU32(ttl); err != nil {
			return 0, err
		}
		lenPos := buffer.Pos()
		if err := buffer.WriteU16(0); err != nil {
			return 0, err
		}
		for _, opt := range r.Options {
			if err := buffer.WriteU16(opt.Code); err != nil {
				return 0, err
			}
			if err := buffer.WriteU16(uint16(len(opt.Data))); err != nil {
				return 0, err
			}
			if err := buffer.WriteRange(buffer.Pos(), opt.Data); err != nil {
				return 0, err
			}
		}
		currPos := buffer.Pos()
		if err := buffer.SetU16(lenPos, uint16(currPos-(lenPos+2))); err != nil {
			return 0, err
		}
		return currPos - startPos, nil
	}

	if err := buffer.WriteName(r.Name); err != nil {
		return 0, err
	}
	if err := buffer.WriteU16(uint16(r.Type)); err != nil {
		return 0, err
	}
	if err := buffer.WriteU16(1); err != nil { // CLASS IN
		return 0, err
	}
	if err := buffer.WriteU32(r.TTL); err != nil {
		return 0, err
	}

	switch r.Type {
	case A:
		if err := buffer.WriteU16(4); err != nil {
			return 0, err
		}
		ip4 := r.IP.To4()
		pos := buffer.Pos()
		if err := buffer.WriteRange(pos, ip4); err != nil {
			return 0, err
		}
	case AAAA:
		if err := buffer.WriteU16(16); err != nil {
			return 0, err
		}
		ip16 := r.IP.To16()
		pos := buffer.Pos()
		if err := buffer.WriteRange(pos, ip16); err != nil {
			return 0, err
		}
	case NS, CNAME:
		lenPos := buffer.Pos()
		if err := buffer.WriteU16(0); err != nil {
			return 0, err
		}
		if err := buffer.WriteName(r.Host); err != nil {
			return 0, err
		}
		currPos := buffer.Pos()
		if err := buffer.SetU16(lenPos, uint16(currPos-(lenPos+2))); err != nil {
			return 0, err
		}
	case MX:
		lenPos := buffer.Pos()
		if err := buffer.WriteU16(0); err != nil {
			return 0, err
		}
		if err := buffer.WriteU16(r.Priority); err != nil {
			return 0, err
		}
		if err := buffer.WriteName(r.Host); err != nil {
			return 0, err
		}
		currPos := buffer.Pos()
		if err := buffer.SetU16(lenPos, uint16(currPos-(lenPos+2))); err != nil {
			return 0, err
		}
	case SRV:
		lenPos := buffer.Pos()
		if err := buffer.WriteU16(0); err != nil {
			return 0, err
		}
		if err := buffer.WriteU16(r.Priority); err != nil {
			return 0, err
		}
		if err := buffer.WriteU16(r.Weight); err != nil {
			return 0, err
		}
		if err := buffer.WriteU16(r.Port); err != nil {
			return 0, err
		}
		if err := buffer.WriteName(r.Host); err != nil {
			return 0, err
		}
		currPos := buffer.Pos()
		if err := buffer.SetU16(lenPos, uint16(currPos-(lenPos+2))); err != nil {
			return 0, err
		}
	case TXT:
		if err := buffer.WriteU16(uint16(len(r.Txt))); err != nil {
			return 0, err
		}
		pos := buffer.Pos()
		if err := buffer.WriteRange(pos, []byte(r.Txt)); err != nil {
			return 0, err
		}
	case SOA:
		lenPos := buffer.Pos()
		if err := buffer.WriteU16(0); err != nil {
			return 0, err
		}
		if err := buffer.WriteName(r.MName); err != nil {
			return 0, err
		}
		if err := buffer.WriteName(r.RName); err != nil {
			return 0, err
		}
		if err := buffer.WriteU32(r.Serial); err != nil {
			return 0, err
		}
		if err := buffer.WriteU32(r.Refresh); err != nil {
			return 0, err
		}
		if err := buffer.WriteU32(r.Retry); err != nil {
			return 0, err
		}
		if err := buffer.WriteU32(r.Expire); err != nil {
			return 0, err
		}
		if err := buffer.WriteU32(r.Minimum); err != nil {
			return 0, err
		}
		currPos := buffer.Pos()
		if err := buffer.SetU16(lenPos, uint16(currPos-(lenPos+2))); err != nil {
			return 0, err
		}
	default:
		// UNKNOWN: round-trip the raw RDATA captured on decode.
		if err := buffer.WriteU16(uint16(len(r.Data))); err != nil {
			return 0, err
		}
		pos := buffer.Pos()
		if err := buffer.WriteRange(pos, r.Data); err != nil {
			return 0, err
		}
	}

	return buffer.Pos() - startPos, nil
}

// DNSPacket represents a complete DNS message: header plus the four
// record sections.
type DNSPacket struct {
	Header      DNSHeader
	Questions   []DNSQuestion
	Answers     []DNSRecord
	Authorities []DNSRecord
	Additionals []DNSRecord
}

// NewDNSPacket creates and returns a pointer to a new, empty DNSPacket.
func NewDNSPacket() *DNSPacket {
	return &DNSPacket{}
}

// FromBuffer populates the DNSPacket by reading from the provided buffer.
func (p *DNSPacket) FromBuffer(buffer Buffer) error {
	if err := p.Header.Read(buffer); err != nil {
		return err
	}
	for i := 0; i < int(p.Header.Questions); i++ {
		var q DNSQuestion
		if err := q.Read(buffer); err != nil {
			return err
		}
		p.Questions = append(p.Questions, q)
	}
	for i := 0; i < int(p.Header.Answers); i++ {
		var r DNSRecord
		if err := r.Read(buffer); err != nil {
			return err
		}
		p.Answers = append(p.Answers, r)
	}
	for i := 0; i < int(p.Header.AuthoritativeEntries); i++ {
		var r DNSRecord
		if err := r.Read(buffer); err != nil {
			return err
		}
		p.Authorities = append(p.Authorities, r)
	}
	for i := 0; i < int(p.Header.ResourceEntries); i++ {
		var r DNSRecord
		if err := r.Read(buffer); err != nil {
			return err
		}
		p.Additionals = append(p.Additionals, r)
	}
	return nil
}

// Write serializes the complete DNSPacket into the provided buffer with no
// size budget; used for growable buffers and TCP responses.
func (p *DNSPacket) Write(buffer Buffer) error {
	return p.WriteWithBudget(buffer, MaxMessageSize)
}

// WriteWithBudget serializes the packet, truncating the record sections
// (in answers ++ authorities ++ additionals order) so the encoded size
// never exceeds maxSize. The first record that would push the running
// total over budget stops emission there, sets the TC bit, and the header
// counts reflect only what was actually written.
func (p *DNSPacket) WriteWithBudget(buffer Buffer, maxSize int) error {
	all := make([]DNSRecord, 0, len(p.Answers)+len(p.Authorities)+len(p.Additionals))
	all = append(all, p.Answers...)
	all = append(all, p.Authorities...)
	all = append(all, p.Additionals...)

	scratch := NewGrowableBuffer()
	hdr := p.Header
	hdr.Questions = uint16(len(p.Questions))
	if err := hdr.Write(scratch); err != nil {
		return err
	}
	for _, q := range p.Questions {
		if err := q.Write(scratch); err != nil {
			return err
		}
	}

	truncated := false
	emitted := 0
	for i := range all {
		before := scratch.Pos()
		if _, err := all[i].Write(scratch); err != nil {
			return err
		}
		if scratch.Pos() > maxSize {
			if err := scratch.Seek(before); err != nil {
				return err
			}
			truncated = true
			break
		}
		emitted++
	}

	nAnswers := emitted
	if nAnswers > len(p.Answers) {
		nAnswers = len(p.Answers)
	}
	remaining := emitted - nAnswers
	nAuth := remaining
	if nAuth > len(p.Authorities) {
		nAuth = len(p.Authorities)
	}
	remaining -= nAuth
	nAdd := remaining
	if nAdd > len(p.Additionals) {
		nAdd = len(p.Additionals)
	}

	hdr.Answers = uint16(nAnswers)
	hdr.AuthoritativeEntries = uint16(nAuth)
	hdr.ResourceEntries = uint16(nAdd)
	hdr.TruncatedMessage = truncated

	if err := hdr.Write(buffer); err != nil {
		return err
	}
	for _, q := range p.Questions {
		if err := q.Write(buffer); err != nil {
			return err
		}
	}
	for i := 0; i < nAnswers; i++ {
		if _, err := p.Answers[i].Write(buffer); err != nil {
			return err
		}
	}
	for i := 0; i < nAuth; i++ {
		if _, err := p.Authorities[i].Write(buffer); err != nil {
			return err
		}
	}
	for i := 0; i < nAdd; i++ {
		if _, err := p.Additionals[i].Write(buffer); err != nil {
			return err
		}
	}
	return nil
}
