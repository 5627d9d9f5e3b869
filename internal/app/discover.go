package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/vkazmirchuk/voxalign/internal/vtt"
)

// ErrNoInputs reports a folder that holds no recognisable meeting
// transcripts at all. Batch runs skip such folders instead of failing.
var ErrNoInputs = errors.New("no meeting inputs found")

// sniffBytes bounds how much of a .txt file is read to decide whether it
// is a TurboScribe transcript.
const sniffBytes = 8 * 1024

// Inputs names the two transcript files of one meeting folder.
type Inputs struct {
	// Reference is the speaker-labeled file: a platform export like
	// "*.transcript.vtt", or a TurboScribe .txt when no such VTT exists.
	Reference string

	// Target is the clean-text file whose wording the output keeps:
	// "*.mp4.vtt", or a TurboScribe .txt when no such VTT exists.
	Target string
}

// Outputs names the three files a run writes next to its inputs.
type Outputs struct {
	Markdown string
	JSONL    string
	VTT      string
}

// DiscoverInputs locates the reference and target transcripts inside a
// meeting folder.
//
// Recording platforms export two files per meeting: a speaker-labeled
// VTT with unreliable wording (suffix ".transcript.vtt" or
// "-transcript.vtt") and a clean VTT without usable speakers (suffix
// ".mp4.vtt" or "-mp4.vtt"). A TurboScribe .txt transcript, recognised
// by content sniffing, can stand in for either side: as target when the
// folder has a speaker VTT but no clean VTT, as reference when it has a
// clean VTT but no speaker VTT.
//
// Exactly one candidate per role is required; several candidates for the
// same role is an error naming them all. Files written by an earlier run
// are ignored, so re-running on the same folder works.
func DiscoverInputs(folder string) (Inputs, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return Inputs{}, fmt.Errorf("app: read meeting folder: %w", err)
	}

	own := ownOutputs(folder)

	var refVTTs, targetVTTs, turboTxts []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if own[name] {
			continue
		}
		switch {
		case strings.HasSuffix(name, ".transcript.vtt") || strings.HasSuffix(name, "-transcript.vtt"):
			refVTTs = append(refVTTs, name)
		case strings.HasSuffix(name, ".mp4.vtt") || strings.HasSuffix(name, "-mp4.vtt"):
			targetVTTs = append(targetVTTs, name)
		case strings.HasSuffix(name, ".txt"):
			if sniffTurboScribe(filepath.Join(folder, name)) {
				turboTxts = append(turboTxts, name)
			}
		}
	}

	if len(refVTTs) == 0 && len(targetVTTs) == 0 && len(turboTxts) == 0 {
		return Inputs{}, fmt.Errorf("app: %w in %s", ErrNoInputs, folder)
	}

	var in Inputs

	// Reference side: the speaker VTT when present, otherwise a
	// TurboScribe transcript carries the speaker labels.
	switch {
	case len(refVTTs) > 1:
		return Inputs{}, ambiguityErr(folder, "reference", refVTTs)
	case len(refVTTs) == 1:
		in.Reference = refVTTs[0]
	case len(turboTxts) > 1:
		return Inputs{}, ambiguityErr(folder, "reference", turboTxts)
	case len(turboTxts) == 1:
		in.Reference = turboTxts[0]
		turboTxts = nil
	}

	// Target side: the clean VTT when present, otherwise a TurboScribe
	// transcript provides the clean wording.
	switch {
	case len(targetVTTs) > 1:
		return Inputs{}, ambiguityErr(folder, "target", targetVTTs)
	case len(targetVTTs) == 1:
		in.Target = targetVTTs[0]
	case len(turboTxts) > 1:
		return Inputs{}, ambiguityErr(folder, "target", turboTxts)
	case len(turboTxts) == 1:
		in.Target = turboTxts[0]
	}

	if in.Reference == "" {
		return Inputs{}, fmt.Errorf("app: no speaker-labeled transcript (*.transcript.vtt or TurboScribe *.txt) in %s", folder)
	}
	if in.Target == "" {
		return Inputs{}, fmt.Errorf("app: no clean-text transcript (*.mp4.vtt or TurboScribe *.txt) in %s", folder)
	}

	in.Reference = filepath.Join(folder, in.Reference)
	in.Target = filepath.Join(folder, in.Target)
	return in, nil
}

// MeetingName derives the human meeting name from the folder path.
func MeetingName(folder string) string {
	abs, err := filepath.Abs(folder)
	if err != nil {
		abs = folder
	}
	return filepath.Base(abs)
}

// outputBase is the shared filename stem of a folder's output files, the
// folder name with spaces flattened.
func outputBase(folder string) string {
	return strings.ReplaceAll(MeetingName(folder), " ", "_")
}

// OutputPaths returns where a run writes its rendered transcripts.
func OutputPaths(folder string) Outputs {
	base := outputBase(folder)
	return Outputs{
		Markdown: filepath.Join(folder, base+"-transcript.md"),
		JSONL:    filepath.Join(folder, base+"-transcript.jsonl"),
		VTT:      filepath.Join(folder, base+"-transcript.vtt"),
	}
}

// ownOutputs lists the filenames a run of this folder would produce. The
// rendered VTT ends in "-transcript.vtt" and would otherwise be picked
// up as a reference candidate on the next run.
func ownOutputs(folder string) map[string]bool {
	out := OutputPaths(folder)
	return map[string]bool{
		filepath.Base(out.Markdown): true,
		filepath.Base(out.JSONL):    true,
		filepath.Base(out.VTT):      true,
	}
}

// sniffTurboScribe reports whether the file content looks like a
// TurboScribe transcript. Unreadable files are simply not candidates.
func sniffTurboScribe(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	head, err := io.ReadAll(io.LimitReader(f, sniffBytes))
	if err != nil {
		return false
	}
	return vtt.DetectFormat(head) == vtt.FormatTurboScribe
}

func ambiguityErr(folder, role string, names []string) error {
	return fmt.Errorf("app: ambiguous %s transcript in %s: candidates %s", role, folder, strings.Join(names, ", "))
}
