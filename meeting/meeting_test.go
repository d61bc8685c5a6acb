package meeting

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Seann-Moser/meetbot/testfixtures"
	"github.com/Seann-Moser/meetbot/user"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestCalendarClient_CreateMeeting(t *testing.T) {
	srv := testfixtures.NewCalendarServer(t)
	c := NewCalendarClient(WithBaseURL(srv.URL()))
	start := testfixtures.ReferenceTime()

	link, err := c.CreateMeeting(context.Background(), "ya29.valid", "Design review", start)
	require.NoError(t, err)
	assert.Equal(t, testfixtures.MeetLink, link)

	assert.Equal(t, []string{"ya29.valid"}, srv.Tokens())
	assert.Equal(t, "1", srv.LastQuery().Get("conferenceDataVersion"))

	body := srv.LastBody()
	assert.Equal(t, "Design review", body["summary"])
	assert.Equal(t, "2024-06-03T09:00:00Z", body["start"].(map[string]any)["dateTime"])
	assert.Equal(t, "2024-06-03T10:00:00Z", body["end"].(map[string]any)["dateTime"])
	create := body["conferenceData"].(map[string]any)["createRequest"].(map[string]any)
	assert.NotEmpty(t, create["requestId"])
	assert.Equal(t, "hangoutsMeet", create["conferenceSolutionKey"].(map[string]any)["type"])
}

func TestCalendarClient_DefaultTitle(t *testing.T) {
	srv := testfixtures.NewCalendarServer(t)
	c := NewCalendarClient(WithBaseURL(srv.URL()))

	_, err := c.CreateMeeting(context.Background(), "ya29.valid", "   ", testfixtures.ReferenceTime())
	require.NoError(t, err)
	assert.Equal(t, "Meet", srv.LastBody()["summary"])
}

func TestCalendarClient_FallsBackToEventPage(t *testing.T) {
	srv := testfixtures.NewCalendarServer(t)
	srv.NoVideoEntry = true
	c := NewCalendarClient(WithBaseURL(srv.URL()))

	link, err := c.CreateMeeting(context.Background(), "ya29.valid", "", testfixtures.ReferenceTime())
	require.NoError(t, err)
	assert.Equal(t, "https://www.google.com/calendar/event?eid=evt-1", link)
}

func TestCalendarClient_Errors(t *testing.T) {
	t.Run("rejected token", func(t *testing.T) {
		srv := testfixtures.NewCalendarServer(t)
		srv.Reject("ya29.stale")
		c := NewCalendarClient(WithBaseURL(srv.URL()))

		_, err := c.CreateMeeting(context.Background(), "ya29.stale", "", testfixtures.ReferenceTime())
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("server error", func(t *testing.T) {
		srv := testfixtures.NewCalendarServer(t)
		srv.Status = http.StatusInternalServerError
		c := NewCalendarClient(WithBaseURL(srv.URL()))

		_, err := c.CreateMeeting(context.Background(), "ya29.valid", "", testfixtures.ReferenceTime())
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrUnauthorized))
		assert.Contains(t, err.Error(), "500")
	})

	t.Run("canceled", func(t *testing.T) {
		srv := testfixtures.NewCalendarServer(t)
		c := NewCalendarClient(WithBaseURL(srv.URL()))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := c.CreateMeeting(ctx, "ya29.valid", "", testfixtures.ReferenceTime())
		assert.Error(t, err)
		assert.Zero(t, srv.Calls())
	})
}

func TestMemoryStore_ListByUser(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := testfixtures.ReferenceTime()

	owners := []user.ChatUser{testfixtures.Alice, testfixtures.Bob, testfixtures.Alice, testfixtures.Alice}
	for i, owner := range owners {
		require.NoError(t, s.Append(ctx, Record{
			ID:        string(rune('a' + i)),
			Owner:     owner,
			Link:      testfixtures.MeetLink,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	got, err := s.ListByUser(ctx, testfixtures.Alice, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d", got[0].ID)
	assert.Equal(t, "c", got[1].ID)

	all, err := s.ListByUser(ctx, testfixtures.Alice, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := s.ListByUser(ctx, testfixtures.Carol, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.Equal(t, 4, s.Len())
}

func TestMongoStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("append", func(mt *mtest.T) {
		s := NewMongoStore(mt.DB)
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		err := s.Append(context.Background(), Record{
			ID:        "rec-1",
			Owner:     testfixtures.Alice,
			Link:      testfixtures.MeetLink,
			CreatedAt: testfixtures.ReferenceTime(),
		})
		if err != nil {
			mt.Fatalf("Append failed: %v", err)
		}
	})

	mt.Run("append error", func(mt *mtest.T) {
		s := NewMongoStore(mt.DB)
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{Code: 11000, Message: "duplicate"}))

		if err := s.Append(context.Background(), Record{ID: "rec-1"}); err == nil {
			mt.Fatal("expected an error")
		}
	})

	mt.Run("list", func(mt *mtest.T) {
		s := NewMongoStore(mt.DB)
		doc := bson.D{
			{Key: "id", Value: "rec-2"},
			{Key: "owner", Value: bson.D{
				{Key: "workspace_id", Value: testfixtures.Alice.WorkspaceID},
				{Key: "user_id", Value: testfixtures.Alice.UserID},
			}},
			{Key: "link", Value: testfixtures.MeetLink},
			{Key: "created_at", Value: testfixtures.ReferenceTime()},
		}
		first := mtest.CreateCursorResponse(1, "foo.meetings", mtest.FirstBatch, doc)
		end := mtest.CreateCursorResponse(0, "foo.meetings", mtest.NextBatch)
		mt.AddMockResponses(first, end)

		got, err := s.ListByUser(context.Background(), testfixtures.Alice, 5)
		if err != nil {
			mt.Fatalf("ListByUser failed: %v", err)
		}
		if len(got) != 1 || got[0].ID != "rec-2" || got[0].Owner != testfixtures.Alice {
			mt.Fatalf("unexpected records: %+v", got)
		}
	})

	mt.Run("list error", func(mt *mtest.T) {
		s := NewMongoStore(mt.DB)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 1, Message: "down"}))

		if _, err := s.ListByUser(context.Background(), testfixtures.Alice, 5); err == nil {
			mt.Fatal("expected an error")
		}
	})
}
