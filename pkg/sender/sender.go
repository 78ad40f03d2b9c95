// Package sender implements the incremental diff engine that decides,
// per catalog entry, whether to store a new copy of a file's data,
// reference a previous backup's copy by locator, or copy it inline from
// a base archive — plus the Merge and Split operations that fuse and
// unfuse multi-part archives (spec §4.F).
package sender

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/beam-cloud/isptar/pkg/catalog"
	"github.com/beam-cloud/isptar/pkg/common"
	"github.com/beam-cloud/isptar/pkg/gzstream"
	"github.com/beam-cloud/isptar/pkg/record"
	"github.com/beam-cloud/isptar/pkg/slicedio"
	"github.com/beam-cloud/isptar/pkg/tarcodec"
)

// TarSender writes one archive: it decides what each incoming entry
// needs (store, copy-from-base, or reference-only), emits its TAR header
// and payload, and accumulates the gzip-compressed catalog listing in a
// scratch file until WriteFooter repacks it into the trailer.
type TarSender struct {
	out   *slicedio.Writer
	gzOut *gzstream.Writer
	tar   *tarcodec.Writer

	listingFile *os.File
	gzListing   *gzstream.Writer
	listingName string

	compressedSuffixes []string
	compress           bool

	source    *catalog.Reader
	reference bool
}

// New opens a TarSender writing to out, an already-created sliced
// stream. listingName, if non-empty, additionally copies the final
// trailer+listing member to that path (--save-listing).
func New(out *slicedio.Writer, listingName string) (*TarSender, error) {
	gzOut, err := gzstream.NewWriter(out, 9)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp("", "isptar-listing-")
	if err != nil {
		return nil, fmt.Errorf("%w: create listing scratch file: %v", common.ErrFormat, err)
	}
	os.Remove(tmp.Name())

	gzListing, err := gzstream.NewWriter(tmp, 9)
	if err != nil {
		return nil, err
	}
	suffixes, err := common.LoadExcludeCompression("etc/isptar.conf")
	if err != nil {
		return nil, err
	}
	return &TarSender{
		out:                out,
		gzOut:              gzOut,
		tar:                tarcodec.NewWriter(gzOut),
		listingFile:        tmp,
		gzListing:          gzListing,
		listingName:        listingName,
		compressedSuffixes: suffixes,
		compress:           true,
	}, nil
}

// SetSource attaches a base archive this sender diffs against.
// reference, when true, emits locators pointing back into the base
// instead of copying its bytes into the new archive.
func (s *TarSender) SetSource(source *catalog.Reader, reference bool) {
	s.source = source
	s.reference = reference
}

func (s *TarSender) needCompress(filename string) bool {
	return !common.HasCompressedSuffix(filename, s.compressedSuffixes)
}

func (s *TarSender) setCompress(compress bool) error {
	if compress == s.compress {
		return nil
	}
	s.compress = compress
	if compress {
		return s.gzOut.SetLevel(9, flate.DefaultCompression)
	}
	return s.gzOut.SetLevel(0, flate.DefaultCompression)
}

// prevInfo is what GetPrevInfo found for an incoming entry in the base
// archive: whether an equal entry exists, a reference-mode locator tail
// to chain onto, or a ready-to-copy data stream.
type prevInfo struct {
	found bool
	offs  string
	data  io.Reader
}

// getPrevInfo advances the base catalog (in alpha-slash order) up to
// info's filename and reports what it finds there (§4.F step 2).
func (s *TarSender) getPrevInfo(info *record.Record) (prevInfo, error) {
	var res prevInfo
	if s.source == nil {
		return res, nil
	}
	for common.AlphaSort(s.source.Info().Filename, info.Filename) < 0 {
		ok, err := s.source.Read()
		if err != nil {
			return res, err
		}
		if !ok {
			return res, nil
		}
	}
	if !s.source.Info().Equal(info) {
		return res, nil
	}
	res.found = true
	if info.Kind != record.KindFile {
		return res, nil
	}
	if info.Size > 0 {
		if s.reference {
			locator := s.source.Locator()
			depthStr, rest := splitFirst(locator, ':')
			depth, err := strconv.Atoi(depthStr)
			if err != nil {
				return res, fmt.Errorf("%w: bad base locator depth: %v", common.ErrFormat, err)
			}
			res.offs = strconv.Itoa(depth+1) + ":" + rest
		} else {
			data, err := s.source.Data()
			if err != nil {
				return res, err
			}
			res.data = data
		}
	} else if !s.reference {
		res.found = false
	}
	return res, nil
}

func splitFirst(s string, sep byte) (string, string) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

// SendInfo diffs info against the base archive, writes its catalog line,
// and emits a TAR header when the entry's data must be stored fresh or
// copied from the base. It returns whether the caller must now call
// SendData with the entry's raw data.
func (s *TarSender) SendInfo(info *record.Record) (bool, error) {
	prev, err := s.getPrevInfo(info)
	if err != nil {
		return false, err
	}
	s.gzListing.Write([]byte(info.Str()))

	saveData := !prev.found || prev.data != nil
	if saveData {
		if err := s.setCompress(true); err != nil {
			return false, err
		}
		if err := s.tar.Add(info); err != nil {
			return false, err
		}
	}
	if info.Kind == record.KindFile {
		saveData = saveData && info.Size > 0
		if saveData {
			if err := s.setCompress(s.needCompress(info.Filename)); err != nil {
				return false, err
			}
			if err := s.gzOut.Flush(true); err != nil {
				return false, err
			}
			fpos := s.out.Offset()
			zpos, err := s.gzOut.Offset()
			if err != nil {
				return false, err
			}
			s.gzListing.Write([]byte(fmt.Sprintf("\t0:%d:%d:%d", fpos.Slice, fpos.Byte, zpos)))
			if prev.data != nil {
				if err := s.SendData(prev.data); err != nil {
					return false, err
				}
				saveData = false
			}
		} else if prev.offs != "" {
			s.gzListing.Write([]byte("\t" + prev.offs))
		}
	} else {
		saveData = false
	}
	s.gzListing.Write([]byte("\n"))
	return saveData, nil
}

// SendData writes an entry's payload and pads it to the TAR block
// boundary.
func (s *TarSender) SendData(in io.Reader) error {
	if err := s.tar.WriteData(in); err != nil {
		return err
	}
	return s.tar.WriteTail(false)
}

// WriteFooter finishes the archive: it finalizes the listing member,
// builds the trailer header, and repacks both into the isolated
// .backup.info entry this archive ends with. parts, when non-empty, is
// recorded as the trailer's "parts" field for a merged archive.
func (s *TarSender) WriteFooter(parts string) error {
	if err := s.gzOut.Flush(true); err != nil {
		return err
	}
	s.gzListing.Write([]byte("\n"))
	if err := s.gzListing.Flush(true); err != nil {
		return err
	}
	listSize, err := s.listingFile.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("%w: measure listing scratch file: %v", common.ErrFormat, err)
	}

	head := map[string]string{
		common.HeaderListingHeader:   common.ListingHeaderReserved,
		common.HeaderListingSize:     strconv.FormatInt(listSize, 10),
		common.HeaderListingRealSize: strconv.FormatInt(s.gzListing.TotalOut(), 10),
	}
	if parts != "" {
		head[common.HeaderParts] = parts
	}

	if _, err := s.listingFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: rewind listing scratch file: %v", common.ErrFormat, err)
	}

	var dest io.Writer = s.out
	var lstFile *os.File
	if s.listingName != "" {
		f, err := os.Create(s.listingName)
		if err != nil {
			return fmt.Errorf("%w: create listing file: %v", common.ErrFormat, err)
		}
		lstFile = f
		dest = io.MultiWriter(s.out, f)
	}

	if err := MakeIsolated(s.listingFile, head, dest); err != nil {
		return err
	}
	if lstFile != nil {
		return lstFile.Close()
	}
	return nil
}

// MakeIsolated writes the combined catalog listing plus trailer header
// as the archive's final .backup.info TAR entry (§4 supplemented feature
// 6, isptar.cpp's MakeIsolated).
func MakeIsolated(listing io.Reader, head map[string]string, out io.Writer) error {
	gzOut, err := gzstream.NewWriter(out, 9)
	if err != nil {
		return err
	}
	tar := tarcodec.NewWriter(gzOut)

	listSize, err := countAndMeasure(listing)
	if err != nil {
		return err
	}
	delete(head, common.HeaderSize)
	var header string
	for k, v := range head {
		header += k + "=" + v + "\n"
	}
	header += common.HeaderSize + "="
	packed, err := gzstream.Pack([]byte(header))
	if err != nil {
		return err
	}
	headerSizeStr := strconv.Itoa(len(packed))

	info := &record.Record{
		Filename: common.IsolatedEntryName,
		Kind:     record.KindFile,
		Uid:      os.Getuid(),
		Gid:      os.Getgid(),
		Mode:     0400,
		Time:     time.Now().Unix(),
		Size:     listSize.n + int64(len(header)) + int64(len(headerSizeStr)),
	}
	if err := tar.Add(info); err != nil {
		return err
	}
	if err := gzOut.Flush(true); err != nil {
		return err
	}
	if _, err := io.Copy(out, listSize.r); err != nil {
		return err
	}
	if _, err := out.Write(packed); err != nil {
		return err
	}
	tar.AddDone(listSize.n + int64(len(header)))
	if err := tar.WriteDataBytes([]byte(headerSizeStr)); err != nil {
		return err
	}
	if err := tar.WriteTail(true); err != nil {
		return err
	}
	return gzOut.Flush(true)
}

type measuredReader struct {
	n int64
	r io.Reader
}

// countAndMeasure reads all of listing into memory so its exact byte
// count is known before the TAR header (which must declare size up
// front) is written.
func countAndMeasure(listing io.Reader) (*measuredReader, error) {
	data, err := io.ReadAll(listing)
	if err != nil {
		return nil, fmt.Errorf("%w: read listing: %v", common.ErrFormat, err)
	}
	return &measuredReader{n: int64(len(data)), r: bytes.NewReader(data)}, nil
}

// Relay copies one catalog entry's info and, if it carries data, its
// payload from src into dest. Used by Merge to fuse archives and by
// Split to fan a merged archive back out, neither of which needs the
// diff-engine logic SendInfo performs on a live filesystem walk.
func Relay(dest *TarSender, src *catalog.Reader) error {
	save, err := dest.SendInfo(src.Info())
	if err != nil {
		return err
	}
	if !save {
		return nil
	}
	data, err := src.Data()
	if err != nil {
		return err
	}
	return dest.SendData(data)
}

// partMarker is the synthetic symlink Merge inserts after each source
// archive's entries, and the boundary Split looks for when separating
// them back out (§4.F Merge/Split, §8 S6).
func partMarker(id int, target string) *record.Record {
	return &record.Record{
		Filename: common.PartNamePrefix + strconv.Itoa(id),
		Kind:     record.KindSymlink,
		Linkname: common.PartDestPrefix + target,
		Mode:     0600,
		Uid:      os.Getuid(),
		Gid:      os.Getgid(),
		Time:     time.Now().Unix(),
	}
}

// Merge fuses the catalogs named in groups into a single archive written
// through dest. Each group's first path is the archive to read; any
// further paths in that group are added as its bases. Every group's
// entries, including the last, are closed off by a synthetic
// "@partname.N" symlink entry recorded in the trailer's "parts" field,
// so Split can later separate them back out one part per marker.
func Merge(dest *TarSender, groups [][]string, download slicedio.Hook) error {
	var parts string
	for i, group := range groups {
		src, err := catalog.Open(group[0], "", download)
		if err != nil {
			return err
		}
		for _, base := range group[1:] {
			if err := src.AddBase(base, download); err != nil {
				return err
			}
		}
		for {
			ok, err := src.Read()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if err := Relay(dest, src); err != nil {
				return err
			}
		}
		src.Close()

		marker := partMarker(i+1, group[0])
		if _, err := dest.SendInfo(marker); err != nil {
			return err
		}
		parts += marker.Linkname + " "
	}
	return dest.WriteFooter(parts)
}

// partName strips the leading PartDestPrefix "." a merge marker's link
// target carries, recovering the original archive name.
func partName(linkname string) string {
	if len(linkname) > 0 && linkname[0] == '.' {
		return linkname[1:]
	}
	return linkname
}

// Split reverses Merge, reading a merged archive's "parts" trailer field
// and writing one archive per part, named prefix+<part archive name> unless
// singlePart asks for everything to land in one file named prefix.
func Split(prefix string, singlePart bool, newSender func(name string) (*TarSender, error), src *catalog.Reader) error {
	partsField := src.Header(common.HeaderParts)
	if partsField == "" {
		return fmt.Errorf("%w: no parts found in trailer", common.ErrFormat)
	}
	var parts []string
	for _, p := range splitFields(partsField, ' ') {
		if p != "" {
			parts = append(parts, partName(p))
		}
	}

	partIdx := 0
	for partIdx < len(parts) || (len(parts) == 0 && partIdx == 0) {
		name := ""
		if partIdx < len(parts) {
			name = parts[partIdx]
		}
		filename := prefix
		if !singlePart {
			filename = prefix + name
		}
		dest, err := newSender(filename)
		if err != nil {
			return err
		}

		for {
			ok, err := src.Read()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			info := src.Info()
			if len(info.Filename) >= len(common.PartNamePrefix) &&
				info.Filename[:len(common.PartNamePrefix)] == common.PartNamePrefix {
				expect := common.PartDestPrefix + name
				if info.Linkname != expect {
					fmt.Fprintf(os.Stderr, "Warning: bad part name %q, expected %q\n", info.Linkname, expect)
				}
				partIdx++
				if singlePart {
					if partIdx < len(parts) {
						name = parts[partIdx]
					}
					continue
				}
				break
			}
			if err := Relay(dest, src); err != nil {
				return err
			}
		}
		if err := dest.WriteFooter(""); err != nil {
			return err
		}
		if !singlePart {
			continue
		}
		break
	}
	return nil
}

func splitFields(s string, sep byte) []string {
	var fields []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			fields = append(fields, s[start:i])
			start = i + 1
		}
	}
	if s[start:] != "" {
		fields = append(fields, s[start:])
	}
	return fields
}
