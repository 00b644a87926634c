package preload_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eyeflow-dev/kernel/artifact"
	"github.com/eyeflow-dev/kernel/ir"
	"github.com/eyeflow-dev/kernel/manifest"
	"github.com/eyeflow-dev/kernel/preload"
	"github.com/eyeflow-dev/kernel/signer"
)

type fakeHandle struct {
	serviceID string
	format    manifest.Format
}

func (h *fakeHandle) ServiceID() string            { return h.serviceID }
func (h *fakeHandle) Format() string               { return string(h.format) }
func (h *fakeHandle) Healthy(context.Context) bool { return true }
func (h *fakeHandle) Close() error                 { return nil }
func (h *fakeHandle) Invoke(_ context.Context, _ string, args map[string]any) (map[string]any, error) {
	return args, nil
}

type fakeLoader struct {
	format manifest.Format
	fail   bool
}

func (l *fakeLoader) Format() manifest.Format { return l.format }

func (l *fakeLoader) Load(_ context.Context, entry manifest.Entry) (artifact.Handle, error) {
	if l.fail {
		return nil, assertErr{}
	}
	return &fakeHandle{serviceID: entry.ServiceID, format: l.format}, nil
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func newSigner(t *testing.T) *signer.Signer {
	t.Helper()
	s, err := signer.Load("", "", "node-1")
	require.NoError(t, err)
	return s
}

func resolution() *manifest.ResolutionResult {
	prog := &ir.Program{Instructions: []ir.Instruction{{Index: 0, Opcode: ir.OpReturn}}, InstructionOrder: []int{0}}
	return &manifest.ResolutionResult{
		Program: prog,
		Services: []manifest.Resolved{
			{Entry: manifest.Entry{ServiceID: "sentiment-analyzer", Version: "2.1.0", Format: manifest.FormatWASM}},
		},
	}
}

func TestSealIsIdempotent(t *testing.T) {
	s := newSigner(t)
	p := preload.New(s, &fakeLoader{format: manifest.FormatWASM})

	cw1, err := p.Seal(context.Background(), resolution(), "wf-1", "user-1", "demo")
	require.NoError(t, err)
	cw2, err := p.Seal(context.Background(), resolution(), "wf-1", "user-1", "demo")
	require.NoError(t, err)

	require.Equal(t, cw1.Checksum, cw2.Checksum)
}

func TestSealFailureNamesResponsibleService(t *testing.T) {
	s := newSigner(t)
	p := preload.New(s, &fakeLoader{format: manifest.FormatWASM, fail: true})

	_, err := p.Seal(context.Background(), resolution(), "wf-1", "user-1", "demo")
	require.Error(t, err)
	var perr *preload.PreloadError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "sentiment-analyzer", perr.ServiceID)
}

func TestSealUnsupportedFormatFails(t *testing.T) {
	s := newSigner(t)
	p := preload.New(s) // no loaders registered
	_, err := p.Seal(context.Background(), resolution(), "wf-1", "user-1", "demo")
	require.Error(t, err)
}
