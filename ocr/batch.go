package ocr

import (
	"encoding/base64"

	"github.com/pagepress/ocrpilot/config"
)

// encodedTile stores the base64 payload plus size metadata used for grouping.
type encodedTile struct {
	tileID    string
	imageB64  string
	sizeBytes int
	model     string
}

func encodeRequests(requests []TileRequest, settings config.Settings) []encodedTile {
	out := make([]encodedTile, 0, len(requests))
	for _, req := range requests {
		b64 := base64.StdEncoding.EncodeToString(req.TileBytes)
		model := req.Model
		if model == "" {
			model = settings.OCR.Model
		}
		out = append(out, encodedTile{
			tileID:    req.TileID,
			imageB64:  b64,
			sizeBytes: len(b64),
			model:     model,
		})
	}
	return out
}

// groupTiles packs tiles into submission groups. A group is flushed before
// appending when the next tile would exceed the tile or byte cap or switch
// models, and closed immediately after appending once the byte cap is reached.
// Input order is preserved within and across groups.
func groupTiles(tiles []encodedTile, maxTiles, maxBytes int) [][]encodedTile {
	if maxTiles < 1 {
		maxTiles = 1
	}
	if maxBytes < 1 {
		maxBytes = 1
	}
	var groups [][]encodedTile
	var current []encodedTile
	currentBytes := 0
	currentModel := ""

	flush := func() {
		if len(current) > 0 {
			groups = append(groups, current)
			current = nil
			currentBytes = 0
			currentModel = ""
		}
	}

	for _, tile := range tiles {
		if len(current) > 0 {
			switch {
			case len(current) >= maxTiles:
				flush()
			case currentBytes+tile.sizeBytes > maxBytes:
				flush()
			case currentModel != "" && tile.model != currentModel:
				flush()
			}
		}
		current = append(current, tile)
		currentBytes += tile.sizeBytes
		if currentModel == "" {
			currentModel = tile.model
		}
		if currentBytes >= maxBytes {
			flush()
		}
	}
	flush()
	return groups
}
