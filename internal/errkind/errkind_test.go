package errkind_test

import (
	"errors"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/aosedge/aos_communicationmanager/internal/errkind"
)

func TestOfReturnsWrappedKind(t *testing.T) {
	err := errkind.New(errkind.NotFound, "subnet not found")

	require.Equal(t, errkind.NotFound, errkind.Of(err))
	require.True(t, errkind.Is(err, errkind.NotFound))
}

func TestOfDefaultsToInternal(t *testing.T) {
	require.Equal(t, errkind.Internal, errkind.Of(errors.New("plain")))
}

func TestWrapPreservesChainThroughPkgErrors(t *testing.T) {
	base := errkind.New(errkind.Timeout, "sm did not ack")
	wrapped := pkgerrors.Wrap(base, "request txn-1")

	require.Equal(t, errkind.Timeout, errkind.Of(wrapped))
	require.ErrorIs(t, wrapped, base)
}

func TestWrapNilReturnsNil(t *testing.T) {
	require.NoError(t, errkind.Wrap(errkind.Internal, nil))
}

func TestWrapfFormatsMessage(t *testing.T) {
	err := errkind.Wrapf(errkind.InvalidArgument, errors.New("empty"), "field %q", "nodeId")

	require.Equal(t, errkind.InvalidArgument, errkind.Of(err))
	require.Contains(t, err.Error(), `field "nodeId"`)
}
