package ntfs

import (
	"encoding/binary"
	"io"
	"strconv"

	"golang.org/x/xerrors"

	"github.com/distr1/ntfs/internal/trace"
)

const sdsDuplicationInterval = 0x40000 // 256 KiB; the duplication interval is not formally documented upstream

// Secure looks up security descriptors from $Secure's $SDS stream, using
// the $SII index when available for direct offset lookup.
type Secure struct {
	sds    io.ReaderAt
	sdsLen int64
	sii    *Index // nil: brute-force iteration from 0
}

// NewSecure builds a Secure reader from the $Secure MFT record.
func NewSecure(record *Record) (*Secure, error) {
	reader, size, err := record.Open("$SDS", AttrTypeData, false)
	if err != nil {
		return nil, xerrors.Errorf("secure: %w", err)
	}
	s := &Secure{sds: reader, sdsLen: size}
	if idx, err := record.Index("$SII"); err == nil {
		s.sii = idx
	}
	return s, nil
}

// NewSecureFromSDS builds a Secure reader directly from an $SDS stream,
// e.g. when only the isolated system file is available rather than a full
// volume. sii may be nil (iteration falls back to brute force).
func NewSecureFromSDS(sds io.ReaderAt, sii *Index) (*Secure, error) {
	size, err := readerAtSize(sds)
	if err != nil {
		return nil, err
	}
	return &Secure{sds: sds, sdsLen: size, sii: sii}, nil
}

// readerAtSize best-effort determines the size of an io.ReaderAt that may
// also implement a Size() int64 method (as io.SectionReader and this
// package's stream types do); otherwise falls back to a generous bound.
func readerAtSize(r io.ReaderAt) (int64, error) {
	if sz, ok := r.(interface{ Size() int64 }); ok {
		return sz.Size(), nil
	}
	return 1 << 30, nil
}

// sdsEntryHeader is the fixed (HashId, SecurityId, Offset, Length) header
// preceding each $SDS entry's self-relative descriptor payload.
type sdsEntryHeader struct {
	Hash       uint32
	SecurityID uint32
	Offset     uint64
	Length     uint32
}

const sdsEntryHeaderSize = 20

func readSDSEntryHeader(r io.ReaderAt, off int64) (sdsEntryHeader, error) {
	buf := make([]byte, sdsEntryHeaderSize)
	if _, err := r.ReadAt(buf, off); err != nil {
		return sdsEntryHeader{}, err
	}
	return sdsEntryHeader{
		Hash:       binary.LittleEndian.Uint32(buf[0:4]),
		SecurityID: binary.LittleEndian.Uint32(buf[4:8]),
		Offset:     binary.LittleEndian.Uint64(buf[8:16]),
		Length:     binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

// iterEntries iterates $SDS entries starting at offset, skipping to the
// next 256 KiB boundary whenever an entry's header looks like end-of-region
// (length == 0, offset beyond the stream, or an implausibly large length).
func (s *Secure) iterEntries(start int64, yield func(hdr sdsEntryHeader, payloadOff int64) bool) {
	offset := start
	for offset < s.sdsLen {
		hdr, err := readSDSEntryHeader(s.sds, offset)
		if err != nil {
			return
		}
		if hdr.Length == 0 || int64(hdr.Offset) > s.sdsLen || hdr.Length > 0x10000 {
			offset += sdsDuplicationInterval - (offset % sdsDuplicationInterval)
			continue
		}
		if !yield(hdr, offset+sdsEntryHeaderSize) {
			return
		}
		offset += int64(hdr.Length)
		offset += (-offset) & 0xF // 16-byte align
	}
}

// Lookup returns the security descriptor for the given security ID.
func (s *Secure) Lookup(securityID uint32) (*SecurityDescriptor, error) {
	ev := trace.Event("secure.Lookup", 2)
	ev.Args = securityID
	defer ev.Done()

	start := int64(0)
	if s.sii != nil {
		key := make([]byte, 4)
		binary.LittleEndian.PutUint32(key, securityID)
		entry, err := s.sii.Search(key, true, nil)
		if err == nil && len(entry.Data) >= sdsEntryHeaderSize {
			start = int64(binary.LittleEndian.Uint64(entry.Data[8:16]))
		}
	}

	var found *SecurityDescriptor
	s.iterEntries(start, func(hdr sdsEntryHeader, payloadOff int64) bool {
		if hdr.SecurityID == securityID {
			sd, err := ParseSecurityDescriptor(s.sds, payloadOff)
			if err == nil {
				found = sd
			}
			return false
		}
		return true
	})
	if found == nil {
		return nil, &NotFoundError{Kind: "security id", Key: strconv.FormatUint(uint64(securityID), 10)}
	}
	return found, nil
}

// Descriptors returns every security descriptor stored in $SDS, in
// on-disk order.
func (s *Secure) Descriptors() ([]*SecurityDescriptor, error) {
	var out []*SecurityDescriptor
	s.iterEntries(0, func(hdr sdsEntryHeader, payloadOff int64) bool {
		sd, err := ParseSecurityDescriptor(s.sds, payloadOff)
		if err == nil {
			out = append(out, sd)
		}
		return true
	})
	return out, nil
}

// SID is a Windows security identifier, in its canonical "S-1-..." string
// form.
type SID struct {
	Revision           uint8
	IdentifierAuthority uint64 // 48-bit
	SubAuthorities     []uint32
}

func (s SID) String() string {
	out := "S-" + itoa(int64(s.Revision)) + "-" + itoa(int64(s.IdentifierAuthority))
	for _, sa := range s.SubAuthorities {
		out += "-" + itoa(int64(sa))
	}
	return out
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// readSID parses a SID at off: Revision u8, SubAuthorityCount u8,
// IdentifierAuthority[6] (big-endian 48-bit), then count little-endian u32
// SubAuthorities.
func readSID(r io.ReaderAt, off int64) (SID, int64, error) {
	hdr := make([]byte, 8)
	if _, err := r.ReadAt(hdr, off); err != nil {
		return SID{}, 0, err
	}
	count := int(hdr[1])
	var authority uint64
	for i := 2; i < 8; i++ {
		authority = authority<<8 | uint64(hdr[i])
	}
	sub := make([]byte, 4*count)
	if count > 0 {
		if _, err := r.ReadAt(sub, off+8); err != nil {
			return SID{}, 0, err
		}
	}
	subAuth := make([]uint32, count)
	for i := 0; i < count; i++ {
		subAuth[i] = binary.LittleEndian.Uint32(sub[4*i : 4*i+4])
	}
	return SID{Revision: hdr[0], IdentifierAuthority: authority, SubAuthorities: subAuth}, 8 + int64(4*count), nil
}

// SecurityDescriptor is a parsed self-relative security descriptor: owner,
// group, SACL, and DACL are each optional, located by offsets relative to
// the descriptor's own start.
type SecurityDescriptor struct {
	Owner *SID
	Group *SID
	Sacl  *ACL
	Dacl  *ACL
}

// ParseSecurityDescriptor parses a self-relative security descriptor header
// at off, within r.
func ParseSecurityDescriptor(r io.ReaderAt, off int64) (*SecurityDescriptor, error) {
	hdr := make([]byte, 20)
	if _, err := r.ReadAt(hdr, off); err != nil {
		return nil, err
	}
	ownerOff := binary.LittleEndian.Uint32(hdr[4:8])
	groupOff := binary.LittleEndian.Uint32(hdr[8:12])
	saclOff := binary.LittleEndian.Uint32(hdr[12:16])
	daclOff := binary.LittleEndian.Uint32(hdr[16:20])

	sd := &SecurityDescriptor{}
	if ownerOff != 0 {
		sid, _, err := readSID(r, off+int64(ownerOff))
		if err != nil {
			return nil, err
		}
		sd.Owner = &sid
	}
	if groupOff != 0 {
		sid, _, err := readSID(r, off+int64(groupOff))
		if err != nil {
			return nil, err
		}
		sd.Group = &sid
	}
	if saclOff != 0 {
		acl, err := parseACL(r, off+int64(saclOff))
		if err != nil {
			return nil, err
		}
		sd.Sacl = acl
	}
	if daclOff != 0 {
		acl, err := parseACL(r, off+int64(daclOff))
		if err != nil {
			return nil, err
		}
		sd.Dacl = acl
	}
	return sd, nil
}

// ACEType identifies an ACE's semantic class: standard, object, or an
// opaque type left uninterpreted.
type ACEType uint8

// Standard ACE types.
const (
	ACETypeAccessAllowed         ACEType = 0
	ACETypeAccessDenied          ACEType = 1
	ACETypeSystemAudit           ACEType = 2
	ACETypeSystemAlarm           ACEType = 3
	ACETypeAccessAllowedCompound ACEType = 4
	ACETypeAccessAllowedObject   ACEType = 5
	ACETypeAccessDeniedObject    ACEType = 6
	ACETypeSystemAuditObject     ACEType = 7
	ACETypeSystemAlarmObject     ACEType = 8
	ACETypeAccessAllowedCallback ACEType = 9
	ACETypeAccessDeniedCallback  ACEType = 10
	ACETypeAccessAllowedCallbackObject ACEType = 11
	ACETypeAccessDeniedCallbackObject  ACEType = 12
	ACETypeSystemAuditCallback   ACEType = 13
	ACETypeSystemAlarmCallback   ACEType = 14
	ACETypeSystemAuditCallbackObject ACEType = 15
	ACETypeSystemAlarmCallbackObject ACEType = 16
	ACETypeSystemMandatoryLabel  ACEType = 17
	ACETypeSystemResourceAttribute ACEType = 18
	ACETypeSystemScopedPolicyID ACEType = 19
)

// ACE is one parsed access control entry.
type ACE struct {
	Type  ACEType
	Flags uint8
	Size  uint16

	// Populated for standard ACE types.
	Mask *uint32
	SID  *SID

	// Additionally populated for object ACE types.
	ObjectFlags            *uint32
	ObjectType              []byte // 16-byte GUID, raw
	InheritedObjectType     []byte // 16-byte GUID, raw

	ApplicationData []byte // remaining bytes not otherwise interpreted
}

func (a ACE) isStandard() bool {
	switch a.Type {
	case ACETypeAccessAllowed, ACETypeAccessDenied, ACETypeSystemAudit, ACETypeSystemAlarm,
		ACETypeAccessAllowedCompound, ACETypeAccessAllowedCallback, ACETypeAccessDeniedCallback,
		ACETypeSystemAuditCallback, ACETypeSystemAlarmCallback, ACETypeSystemMandatoryLabel,
		ACETypeSystemResourceAttribute, ACETypeSystemScopedPolicyID:
		return true
	}
	return false
}

func (a ACE) isObject() bool {
	switch a.Type {
	case ACETypeAccessAllowedObject, ACETypeAccessDeniedObject, ACETypeSystemAuditObject,
		ACETypeSystemAlarmObject, ACETypeAccessAllowedCallbackObject, ACETypeAccessDeniedCallbackObject,
		ACETypeSystemAuditCallbackObject, ACETypeSystemAlarmCallbackObject:
		return true
	}
	return false
}

// ACL is a parsed access control list: a revision/size/count header
// followed by that many ACEs.
type ACL struct {
	Revision uint8
	Size     uint16
	ACEs     []ACE
}

func parseACL(r io.ReaderAt, off int64) (*ACL, error) {
	hdr := make([]byte, 8)
	if _, err := r.ReadAt(hdr, off); err != nil {
		return nil, err
	}
	acl := &ACL{
		Revision: hdr[0],
		Size:     binary.LittleEndian.Uint16(hdr[2:4]),
	}
	count := int(binary.LittleEndian.Uint16(hdr[4:6]))
	cur := off + 8
	for i := 0; i < count; i++ {
		ace, size, err := parseACE(r, cur)
		if err != nil {
			return nil, err
		}
		acl.ACEs = append(acl.ACEs, ace)
		cur += int64(size)
	}
	return acl, nil
}

func parseACE(r io.ReaderAt, off int64) (ACE, uint16, error) {
	hdr := make([]byte, 4)
	if _, err := r.ReadAt(hdr, off); err != nil {
		return ACE{}, 0, err
	}
	ace := ACE{Type: ACEType(hdr[0]), Flags: hdr[1], Size: binary.LittleEndian.Uint16(hdr[2:4])}
	bodyLen := int(ace.Size) - 4
	if bodyLen < 0 {
		return ace, ace.Size, xerrors.Errorf("secure: ACE size too small: %w", ErrBadMft)
	}
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := r.ReadAt(body, off+4); err != nil {
			return ace, ace.Size, err
		}
	}

	pos := 0
	switch {
	case ace.isStandard():
		if len(body) < 4 {
			break
		}
		mask := binary.LittleEndian.Uint32(body[0:4])
		ace.Mask = &mask
		pos = 4
		sid, n, err := readSID(byteReaderAt(body), int64(pos))
		if err == nil {
			ace.SID = &sid
			pos += int(n)
		}
	case ace.isObject():
		if len(body) < 40 {
			break
		}
		mask := binary.LittleEndian.Uint32(body[0:4])
		ace.Mask = &mask
		flags := binary.LittleEndian.Uint32(body[4:8])
		ace.ObjectFlags = &flags
		ace.ObjectType = append([]byte(nil), body[8:24]...)
		ace.InheritedObjectType = append([]byte(nil), body[24:40]...)
		pos = 40
		sid, n, err := readSID(byteReaderAt(body), int64(pos))
		if err == nil {
			ace.SID = &sid
			pos += int(n)
		}
	}
	if pos < len(body) {
		ace.ApplicationData = append([]byte(nil), body[pos:]...)
	}
	return ace, ace.Size, nil
}

type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
