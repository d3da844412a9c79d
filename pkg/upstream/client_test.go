package upstream_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shubham-shewale/stock-popularity/pkg/upstream"
)

const instrumentURL = "https://api.robinhood.com/instruments/f7a777df-9b1f-47f6-a82f-fe2645f663c2/"

func TestParse_Classification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   upstream.Kind
	}{
		{"success", 200, `{"results":[{"instrument":"x","num_open_positions":3}],"next":null}`, upstream.KindSuccess},
		{"throttled", 429, `{"detail":"Request was throttled. Expected available in 4 seconds."}`, upstream.KindThrottled},
		{"throttled 200 with detail", 200, `{"detail":"Request was throttled."}`, upstream.KindThrottled},
		{"invalid symbol", 400, `{"detail":"Invalid symbol."}`, upstream.KindClientError},
		{"not found", 404, `{"detail":"Not found."}`, upstream.KindClientError},
		{"html", 200, `<html><body>maintenance</body></html>`, upstream.KindMalformed},
		{"html gateway", 502, `<html>Bad Gateway</html>`, upstream.KindTransient},
		{"wrong item shape", 200, `{"results":[{"num_open_positions":"many"}]}`, upstream.KindMalformed},
		{"server error json", 503, `{"message":"down"}`, upstream.KindTransient},
		{"no results no detail", 200, `{"foo":"bar"}`, upstream.KindUnexpected},
		{"null results", 200, `{"results":null}`, upstream.KindUnexpected},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			res := upstream.Parse[upstream.PopularityRecord](c.status, []byte(c.body))
			if res.Kind != c.want {
				t.Errorf("Expected %s, got %s (%v)", c.want, res.Kind, res.Outcome)
			}
		})
	}
}

func TestParse_KeepsNullItemsAndNext(t *testing.T) {
	body := `{"results":[null,{"symbol":"AAA","instrument":"` + instrumentURL + `","bid_price":"18.9000","ask_price":"35.9000","bid_size":100,"ask_size":100,"last_trade_price":"27.0000","last_extended_hours_trade_price":null,"updated_at":"2018-05-01T20:00:00Z"}],"next":"https://api.robinhood.com/quotes/?cursor=abc"}`

	res := upstream.Parse[upstream.QuoteRecord](200, []byte(body))
	if res.Kind != upstream.KindSuccess {
		t.Fatalf("Expected success, got %v", res.Outcome)
	}
	if len(res.Items) != 2 || res.Items[0] != nil {
		t.Fatalf("Expected a nil first item, got %+v", res.Items)
	}
	if res.Next != "https://api.robinhood.com/quotes/?cursor=abc" {
		t.Errorf("Unexpected next cursor %q", res.Next)
	}

	q, err := res.Items[1].Quote()
	if err != nil {
		t.Fatalf("Quote conversion failed: %v", err)
	}
	if q.InstrumentID != "f7a777df-9b1f-47f6-a82f-fe2645f663c2" {
		t.Errorf("Unexpected instrument id %s", q.InstrumentID)
	}
	if q.BidPrice.String() != "18.9" || q.AskPrice.String() != "35.9" {
		t.Errorf("Unexpected prices %s/%s", q.BidPrice, q.AskPrice)
	}
	if q.LastExtendedHoursTradePrice.Valid {
		t.Error("Expected null extended hours price")
	}
	if !q.UpdatedAt.Equal(time.Date(2018, 5, 1, 20, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected updated_at %v", q.UpdatedAt)
	}
}

func TestInstrumentRecord_KeepsMetadata(t *testing.T) {
	body := `{"results":[{"id":"f7a777df-9b1f-47f6-a82f-fe2645f663c2","symbol":"AAA","name":"Triple A Inc","simple_name":"Triple A","tradability":"tradable","country":"US"}],"next":null}`

	res := upstream.Parse[upstream.InstrumentRecord](200, []byte(body))
	if res.Kind != upstream.KindSuccess || len(res.Items) != 1 {
		t.Fatalf("Unexpected result %v", res.Outcome)
	}

	inst := res.Items[0].Instrument()
	if !inst.Tradable() || inst.Symbol != "AAA" || inst.DisplayName() != "Triple A" {
		t.Errorf("Unexpected instrument %+v", inst)
	}
	if inst.Metadata["country"] != "US" {
		t.Errorf("Metadata lost: %+v", inst.Metadata)
	}
	if _, ok := inst.Metadata["id"]; ok {
		t.Error("id should be stored as instrument_id, not metadata")
	}
}

func TestClient_RequestShapes(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	client := upstream.NewClient(upstream.Options{BaseURL: srv.URL, Token: "secret", Timeout: time.Second})
	ctx := context.Background()

	client.Quotes(ctx, []string{"AAA", "BBB"})
	if gotPath != "/quotes/" || gotQuery != "symbols=AAA%2CBBB" {
		t.Errorf("Unexpected quote request %s?%s", gotPath, gotQuery)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Unexpected auth header %q", gotAuth)
	}

	client.Popularity(ctx, []string{"id1", "id2"})
	if gotPath != "/instruments/popularity/" || gotQuery != "ids=id1%2Cid2" {
		t.Errorf("Unexpected popularity request %s?%s", gotPath, gotQuery)
	}

	res := client.Instruments(ctx, "")
	if gotPath != "/instruments/" || res.Kind != upstream.KindSuccess {
		t.Errorf("Unexpected listing request %s (%v)", gotPath, res.Outcome)
	}

	client.Instruments(ctx, srv.URL+"/instruments/?cursor=page2")
	if gotQuery != "cursor=page2" {
		t.Errorf("Next cursor not followed verbatim: %s", gotQuery)
	}
}

func TestClient_TimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	client := upstream.NewClient(upstream.Options{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	res := client.Popularity(context.Background(), []string{"id1"})
	if res.Kind != upstream.KindTransient {
		t.Errorf("Expected transient outcome on timeout, got %v", res.Outcome)
	}
}

func TestRetryPolicy_Decide(t *testing.T) {
	p := upstream.DefaultRetryPolicy()

	cases := []struct {
		outcome upstream.Outcome
		action  upstream.Action
		wait    time.Duration
	}{
		{upstream.Outcome{Kind: upstream.KindSuccess}, upstream.ActionDone, time.Second},
		{upstream.Outcome{Kind: upstream.KindThrottled, Detail: "Expected available in 7 seconds."}, upstream.ActionRetry, 9 * time.Second},
		{upstream.Outcome{Kind: upstream.KindThrottled, Detail: "slow down"}, upstream.ActionRetry, 120 * time.Second},
		{upstream.Outcome{Kind: upstream.KindTransient}, upstream.ActionRetry, 30 * time.Second},
		{upstream.Outcome{Kind: upstream.KindMalformed}, upstream.ActionRetry, 30 * time.Second},
		{upstream.Outcome{Kind: upstream.KindClientError}, upstream.ActionDrop, 0},
		{upstream.Outcome{Kind: upstream.KindUnexpected}, upstream.ActionDrop, 120 * time.Second},
	}

	for _, c := range cases {
		d := p.Decide(c.outcome)
		if d.Action != c.action || d.Wait != c.wait {
			t.Errorf("%s: expected %s/%v, got %s/%v", c.outcome.Kind, c.action, c.wait, d.Action, d.Wait)
		}
	}
}
