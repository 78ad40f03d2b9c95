package common

// SliceSeparator joins an archive's base name to its part number:
// "backup" overflows into "backup.part1", "backup.part2", ...
const SliceSeparator = ".part"

// Default slice sizes (§3 Data model).
const (
	DefaultBackupSliceSize = 100 * 1024 * 1024        // 100 MiB
	DefaultMergeSliceSize  = 1024 * 1024 * 1024 * 1024 // 1 TiB
)

// Trailer header keys (§3 Trailer). header_size must be written last;
// its value is the byte length of the trailer member up to and
// including the digits themselves.
const (
	HeaderListingHeader   = "listing_header"
	HeaderListingSize     = "listing_size"
	HeaderListingRealSize = "listing_real_size"
	HeaderParts           = "parts"
	HeaderSize            = "header_size"

	// ListingHeaderReserved is the constant value of listing_header; the
	// field is reserved and always written as "512".
	ListingHeaderReserved = "512"
)

// Tail-scan bounds (§4.E step 2): the gzip member holding the
// header_size digits at the end of an archive is searched for at
// offsets between MinTailSize and MaxTailSize bytes before the end.
const (
	MinTailSize = 20
	MaxTailSize = 39
)

// PartNamePrefix and PartDestPrefix name the synthetic @partname.K
// symlink entries a Merge emits between source archives (§4.F Merge,
// §8 S6) and that Split recognizes as boundary markers.
const (
	PartNamePrefix = "@partname."
	PartDestPrefix = "."
)

// IsolatedEntryName is the single synthetic TAR entry `isolate` packs
// the repacked listing and trailer header into (§4 Supplemented feature 6).
const IsolatedEntryName = ".backup.info"
