package memory

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/eyeflow-dev/kernel/manifest"
)

func TestRegisterGetRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("register then get returns the same entry", prop.ForAll(
		func(serviceID, version, url string) bool {
			st := New()
			ctx := context.Background()
			entry := manifest.Entry{ServiceID: serviceID, Version: version, Format: manifest.FormatWASM, URL: url}
			if err := st.Register(ctx, entry); err != nil {
				return false
			}
			got, err := st.Get(ctx, serviceID, version)
			if err != nil {
				return false
			}
			return got.ServiceID == serviceID && got.Version == version && got.URL == url
		},
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
		gen.OneConstOf("1.0.0", "2.1.0", "0.9.1"),
		gen.AlphaString(),
	))
	properties.TestingRun(t)
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	st := New()
	_, err := st.Get(context.Background(), "missing-unicorn", "1.0.0")
	require.ErrorIs(t, err, manifest.ErrNotFound)
}

func TestResolvePicksHighestSatisfyingVersion(t *testing.T) {
	st := New()
	ctx := context.Background()
	require.NoError(t, st.Register(ctx, manifest.Entry{ServiceID: "sentiment-analyzer", Version: "1.0.0", Format: manifest.FormatWASM}))
	require.NoError(t, st.Register(ctx, manifest.Entry{ServiceID: "sentiment-analyzer", Version: "2.1.0", Format: manifest.FormatWASM}))
	require.NoError(t, st.Register(ctx, manifest.Entry{ServiceID: "sentiment-analyzer", Version: "1.5.0", Format: manifest.FormatWASM}))

	got, err := st.Resolve(ctx, "sentiment-analyzer", "")
	require.NoError(t, err)
	require.Equal(t, "2.1.0", got.Version)
}

func TestResolveUnknownServiceFails(t *testing.T) {
	st := New()
	_, err := st.Resolve(context.Background(), "magic-unicorn-service", "1.0.0")
	require.ErrorIs(t, err, manifest.ErrNotFound)
}
