// Copyright 2025 James Ross
package objectstore

import (
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/flyingrobots/comfyqueue/internal/apperr"
	"github.com/flyingrobots/comfyqueue/internal/config"
	"github.com/stretchr/testify/require"
)

func testObjectStoreConfig() config.ObjectStore {
	return config.ObjectStore{
		Bucket:        "comfyqueue-artifacts",
		Region:        "us-east-1",
		ArtifactTTL:   time.Hour,
		UploadTimeout: 30 * time.Second,
	}
}

func TestLocationString(t *testing.T) {
	loc := Location{Bucket: "b", Key: "jobs/j_1/image_0.png"}
	require.Equal(t, "b/jobs/j_1/image_0.png", loc.String())
}

func TestClassifyS3ErrDenied(t *testing.T) {
	err := classifyS3Err(awserr.New("AccessDenied", "nope", nil), "put object")
	require.Equal(t, apperr.KindStorageDenied, apperr.KindOf(err))
}

func TestClassifyS3ErrUnavailable(t *testing.T) {
	err := classifyS3Err(errors.New("connection refused"), "put object")
	require.Equal(t, apperr.KindStorageUnavailable, apperr.KindOf(err))
}

func TestNewBuildsClientFromConfig(t *testing.T) {
	_, err := New(testObjectStoreConfig())
	require.NoError(t, err)
}
