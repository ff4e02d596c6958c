package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSendResult(t *testing.T) {
	partial := SendResult{
		RecipientCount: 3,
		FailedCount:    2,
		Failures: []ReportedError{
			{
				Kind: KindRecipientsRefused,
				Recipients: []RecipientError{
					{Email: "b@x.com", Code: 550, Message: "mailbox unavailable"},
					{Email: "C@x.com", Code: 551, Message: "user not local"},
				},
			},
		},
	}
	total := SendResult{
		RecipientCount: 3,
		FailedCount:    3,
		Failures: []ReportedError{
			{Kind: KindSenderRefused, Code: 553, Message: "sender address rejected"},
		},
	}
	everyone := SendResult{
		RecipientCount: 3,
		FailedCount:    3,
		Failures: []ReportedError{
			{Kind: KindRecipientsRefused, Message: "all 3 recipients were refused"},
		},
	}
	ok := SendResult{RecipientCount: 3}

	testCases := []struct {
		description  string
		result       SendResult
		allSucceeded bool
		allFailed    bool
		perRecipient int
	}{
		{
			description:  "all delivered",
			result:       ok,
			allSucceeded: true,
		},
		{
			description:  "some refused",
			result:       partial,
			perRecipient: 2,
		},
		{
			description: "sender refused",
			result:      total,
			allFailed:   true,
		},
		{
			description: "every recipient refused",
			result:      everyone,
			allFailed:   true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			assert.Equal(t, tc.allSucceeded, tc.result.AllSucceeded())
			assert.Equal(t, tc.allFailed, tc.result.AllFailed())
			assert.Len(t, tc.result.ErrorsByRecipient(), tc.perRecipient)
		})
	}

	e, found := partial.ErrorFor("c@X.com")
	assert.True(t, found)
	assert.Equal(t, RecipientError{Email: "C@x.com", Code: 551, Message: "user not local"}, e)

	_, found = partial.ErrorFor("a@x.com")
	assert.False(t, found)

	_, found = total.ErrorFor("a@x.com")
	assert.False(t, found, "coarse failures carry no recipient detail")

	_, found = everyone.ErrorFor("a@x.com")
	assert.False(t, found, "coarse failures carry no recipient detail")
}

func TestReportedError(t *testing.T) {
	refused := ReportedError{
		Kind: KindRecipientsRefused,
		Recipients: []RecipientError{
			{Email: "b@x.com", Code: 550, Message: "mailbox unavailable"},
		},
	}
	assert.Equal(t, "recipients refused: b@x.com (550 mailbox unavailable)", refused.Error())
	assert.Len(t, refused.PerRecipient(), 1)

	// Detail on a coarse kind is ignored
	sender := ReportedError{
		Kind:       KindSenderRefused,
		Code:       553,
		Message:    "sender address rejected",
		Recipients: refused.Recipients,
	}
	assert.Equal(t, "sender refused: 553 sender address rejected", sender.Error())
	assert.Nil(t, sender.PerRecipient())

	everyone := ReportedError{Kind: KindRecipientsRefused, Message: "all 2 recipients were refused"}
	assert.Equal(t, "recipients refused: all 2 recipients were refused", everyone.Error())
	assert.Empty(t, everyone.PerRecipient())

	assert.Equal(t, "protocol response error", KindProtocolResponse.String())
	assert.Equal(t, "ErrorKind(0)", ErrorKind(0).String())
}
