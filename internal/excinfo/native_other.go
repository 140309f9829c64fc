//go:build !arm64

package excinfo

// Native is the table used by NativeDecoder. Darwin ships only amd64 and
// arm64, so every other build decodes with the amd64 table.
const Native = ArchAMD64
