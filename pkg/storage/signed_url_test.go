package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDownloadSignerRoundTrip(t *testing.T) {
	signer := NewDownloadSigner("secret", time.Hour)
	token, expiresAt, err := signer.Generate("attendance.csv")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	require.NoError(t, signer.Verify(token, "attendance.csv"))
	require.ErrorIs(t, signer.Verify(token, "students.json"), ErrInvalidLink)
	require.ErrorIs(t, signer.Verify(token+"0", "attendance.csv"), ErrInvalidLink)
	require.ErrorIs(t, NewDownloadSigner("other", time.Hour).Verify(token, "attendance.csv"), ErrInvalidLink)
}

func TestDownloadSignerExpired(t *testing.T) {
	signer := NewDownloadSigner("secret", time.Minute)
	token, _, err := signer.Generate("attendance.csv")
	require.NoError(t, err)

	signer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.ErrorIs(t, signer.Verify(token, "attendance.csv"), ErrExpiredLink)
}

func TestDownloadSignerRequiresSecret(t *testing.T) {
	_, _, err := NewDownloadSigner("", time.Minute).Generate("attendance.csv")
	require.Error(t, err)
}
