/******************************************************************************
 *
 *  Description :
 *
 *    REST surface: multipart file upload.
 *
 *****************************************************************************/

package main

import (
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"

	"github.com/onionchat/onionchat/server/media"
	t "github.com/onionchat/onionchat/server/store/types"
)

// handleUpload stores one multipart "file" field on disk and returns its
// public URL. The declared content type and the sniffed content type must
// each be in the allowed set; they need not be the same type.
func handleUpload(w http.ResponseWriter, r *http.Request, user *t.User) {
	// The multipart reader spools anything above this to disk; the overall
	// body is already capped at MaxFileSize by the outer middleware.
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, r, errUpload("Failed to read multipart body"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, errUpload("No file uploaded"))
		return
	}
	defer file.Close()

	if header.Filename == "" {
		writeError(w, r, errUpload("No filename provided"))
		return
	}
	if header.Size > globals.config.MaxFileSize {
		writeError(w, r, errUpload("File too large"))
		return
	}

	declared := header.Header.Get("Content-Type")
	if !media.TypeAllowed(declared) {
		writeError(w, r, errUpload("Invalid file type. Allowed: images, videos, PDFs, documents."))
		return
	}

	// Sniff the actual content; content outside the allowed set is rejected too.
	sniffed, err := mimetype.DetectReader(file)
	if err != nil {
		writeError(w, r, errUpload("Failed to read file data"))
		return
	}
	if !media.TypeAllowed(sniffed.String()) {
		writeError(w, r, errUpload("File content does not match an allowed type"))
		return
	}
	if _, err := file.Seek(0, 0); err != nil {
		writeError(w, r, errInternal("Failed to rewind upload", err))
		return
	}

	name, err := globals.media.Save(header.Filename, file)
	if err != nil {
		if err == media.ErrPath {
			writeError(w, r, errUpload("Invalid file path"))
			return
		}
		writeError(w, r, errInternal("Failed to store file", err))
		return
	}

	log.Info().Str("user", user.Id.String()).Str("file", name).Msg("file uploaded")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "File uploaded successfully",
		"file": map[string]interface{}{
			"url":          "/uploads/" + name,
			"filename":     name,
			"originalName": header.Filename,
			"mimetype":     declared,
			"size":         header.Size,
		},
	})
}
