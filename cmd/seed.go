package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andresmejia3/attendcam/internal/api"
	"github.com/andresmejia3/attendcam/internal/events"
	"github.com/andresmejia3/attendcam/internal/identity"
	"github.com/andresmejia3/attendcam/internal/types"
	"github.com/schollz/progressbar/v3"
)

// seedFiles lists <name>.jpg files in dir, sorted by name.
func seedFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read seed dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg":
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func seedName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// seedIdentities enrolls each image in dir under its file name. Images with
// zero or several faces are reported on out and skipped.
func seedIdentities(ctx context.Context, dir string, det api.Detector, ids *identity.Store, em events.Emitter, out io.Writer) (int, error) {
	files, err := seedFiles(dir)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		fmt.Fprintf(out, "⚠️  No .jpg files in %s\n", dir)
		return 0, nil
	}

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("👤 Enrolling"),
		progressbar.OptionSetWriter(out),
		progressbar.OptionShowCount(),
	)

	var skipped []string
	enrolled := 0
	for _, path := range files {
		if ctx.Err() != nil {
			return enrolled, ctx.Err()
		}
		name := seedName(path)
		data, err := os.ReadFile(path)
		if err != nil {
			return enrolled, fmt.Errorf("read %s: %w", path, err)
		}
		faces, err := det.Detect(ctx, data)
		if err != nil {
			return enrolled, fmt.Errorf("encode %s: %w", path, err)
		}
		_, err = ids.Enroll(name, types.Vectors(faces))
		switch {
		case errors.Is(err, identity.ErrNoFace), errors.Is(err, identity.ErrMultipleFaces):
			skipped = append(skipped, fmt.Sprintf("%s (%d faces)", filepath.Base(path), len(faces)))
		case err != nil:
			return enrolled, fmt.Errorf("enroll %s: %w", name, err)
		default:
			enrolled++
			em.Emit(events.Event{Kind: events.KindEnrolled, Name: name, Detail: "seed"})
		}
		bar.Add(1)
	}
	bar.Finish()
	fmt.Fprintln(out)

	for _, s := range skipped {
		fmt.Fprintf(out, "⚠️  Skipped %s\n", s)
	}
	return enrolled, nil
}
