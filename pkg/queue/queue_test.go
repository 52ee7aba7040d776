package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type QueueTestSuite struct {
	suite.Suite
	mr     *miniredis.Miniredis
	client *redis.Client
	queue  *Queue
}

func (s *QueueTestSuite) SetupTest() {
	mr, err := miniredis.Run()
	s.Require().NoError(err)
	s.mr = mr
	s.client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s.queue = NewQueue(s.client, zap.NewNop())
}

func (s *QueueTestSuite) TearDownTest() {
	s.client.Close()
	s.mr.Close()
}

func TestQueueTestSuite(t *testing.T) {
	suite.Run(t, new(QueueTestSuite))
}

func (s *QueueTestSuite) TestEnqueueDequeueRoundTrip() {
	sessionID := uuid.New()
	payload := RecordingUploadPayload{
		SessionID:   sessionID,
		UploadID:    "upload-1",
		SpoolPath:   "/tmp/upload-1.webm",
		ContentType: "video/webm",
	}
	s.Require().NoError(s.queue.EnqueueRecordingUpload(context.Background(), payload))

	job, err := s.queue.Dequeue(context.Background())
	s.Require().NoError(err)
	s.Require().NotNil(job)
	s.Equal(JobTypeRecordingUpload, job.Type)
	s.Equal(0, job.Attempt)

	var got RecordingUploadPayload
	s.Require().NoError(json.Unmarshal(job.Payload, &got))
	s.Equal(sessionID, got.SessionID)
	s.Equal("upload-1", got.UploadID)
	s.Equal("/tmp/upload-1.webm", got.SpoolPath)
}

func (s *QueueTestSuite) TestDequeueOrderIsFIFO() {
	for _, id := range []string{"first", "second", "third"} {
		s.Require().NoError(s.queue.EnqueueRecordingUpload(context.Background(), RecordingUploadPayload{
			SessionID: uuid.New(),
			UploadID:  id,
		}))
	}
	for _, want := range []string{"first", "second", "third"} {
		job, err := s.queue.Dequeue(context.Background())
		s.Require().NoError(err)
		s.Require().NotNil(job)
		var p RecordingUploadPayload
		s.Require().NoError(json.Unmarshal(job.Payload, &p))
		s.Equal(want, p.UploadID)
	}
}

func (s *QueueTestSuite) TestRetryRequeuesUntilDLQ() {
	s.Require().NoError(s.queue.EnqueueRecordingUpload(context.Background(), RecordingUploadPayload{
		SessionID: uuid.New(),
		UploadID:  "doomed",
	}))

	job, err := s.queue.Dequeue(context.Background())
	s.Require().NoError(err)
	s.Require().NotNil(job)

	// first retries go back on the main queue
	for attempt := 1; attempt < MaxRetries; attempt++ {
		s.Require().NoError(s.queue.Retry(context.Background(), job))
		job, err = s.queue.Dequeue(context.Background())
		s.Require().NoError(err)
		s.Require().NotNil(job)
		s.Equal(attempt, job.Attempt)
	}

	// final retry lands in the DLQ
	s.Require().NoError(s.queue.Retry(context.Background(), job))
	s.Equal(int64(0), s.client.LLen(context.Background(), QueueRecordings).Val())
	s.Equal(int64(1), s.client.LLen(context.Background(), QueueDLQ).Val())

	raw, err := s.client.LIndex(context.Background(), QueueDLQ, 0).Result()
	s.Require().NoError(err)
	var dead Job
	s.Require().NoError(json.Unmarshal([]byte(raw), &dead))
	s.Equal(MaxRetries, dead.Attempt)
}
