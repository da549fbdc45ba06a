package storage

import (
	"path"
	"strings"
)

var contentTypes = map[string]string{
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".csv":  "text/csv",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".json": "application/json",
	".xml":  "application/xml",
	".zip":  "application/zip",
}

// DetectContentType guesses a MIME type from the file extension.
func DetectContentType(fileName string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(fileName))]; ok {
		return ct
	}
	return "application/octet-stream"
}
