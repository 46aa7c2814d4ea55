package constants

import "strings"

const (
	// TempPrefix is the namespace anonymous uploads land in before a claim.
	TempPrefix = "temp/"
	// UserPrefix is the namespace claimed documents are copied into.
	UserPrefix = "users/"

	DocumentExt         = "pdf"
	DocumentContentType = "application/pdf"

	// DefaultMaxUploadBytes caps a single resume document.
	DefaultMaxUploadBytes int64 = 10 << 20
)

// PDFMagic is the header every accepted document starts with.
var PDFMagic = []byte("%PDF-")

// AllowedExtensions holds the file extensions accepted by the upload path.
var AllowedExtensions = map[string]struct{}{
	DocumentExt: {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// UserBlobKey is where a claimed document for ownerID lives.
func UserBlobKey(ownerID, jobID string) string {
	return UserPrefix + ownerID + "/" + jobID + "." + DocumentExt
}
