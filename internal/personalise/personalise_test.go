package personalise

import "testing"

const (
	testUserID = "3f041222-22b9-4098-b4a6-7967e48fe4f7"
	testListID = "e077a74b-693f-4744-b055-d239f548f356"
)

func TestIsImmutable(t *testing.T) {
	t.Parallel()

	personaliser := New()
	tests := []struct {
		url  string
		want bool
	}{
		{url: "/myft/3f041222-22b9-4098-b4a6-7967e48fe4f7", want: true},
		{url: "/myft/my-news/3f041222-22b9-4098-b4a6-7967e48fe4f7", want: true},
		{url: "/myft/product-tour", want: true},
		{url: "/myft/my-news/", want: false},
		{url: "/myft/portfolio/", want: false},
		{url: "/myft", want: false},
		{url: "/content/3f041222-22b9-4098-b4a6-7967e48fe4f7", want: false},
	}

	for _, testCase := range tests {
		if got := personaliser.IsImmutable(testCase.url); got != testCase.want {
			t.Fatalf("IsImmutable(%s) = %v, want %v", testCase.url, got, testCase.want)
		}
	}
}

func TestIsPersonalised(t *testing.T) {
	t.Parallel()

	personaliser := New()
	tests := []struct {
		url  string
		want bool
	}{
		{url: "/" + testUserID, want: true},
		{url: "/my-news/" + testUserID, want: true},
		{url: "/list/" + testListID, want: true},
		{url: "/product-tour", want: false},
		{url: "/my-news/", want: false},
	}

	for _, testCase := range tests {
		if got := personaliser.IsPersonalised(testCase.url); got != testCase.want {
			t.Fatalf("IsPersonalised(%s) = %v, want %v", testCase.url, got, testCase.want)
		}
	}
}

func TestPersonalise(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		url    string
		userID string
		want   string
	}{
		{name: "root", url: "/myft", userID: "abcd", want: "/myft/abcd"},
		{name: "trailing slash", url: "/myft/my-news/", userID: "abcd", want: "/myft/my-news/abcd"},
		{name: "query kept", url: "/myft/portfolio?x=1#top", userID: "abcd", want: "/myft/portfolio/abcd?x=1#top"},
		{name: "absolute url", url: "https://www.example.com/myft/alerts", userID: "abcd", want: "https://www.example.com/myft/alerts/abcd"},
		{name: "uuid prefix stripped", url: "/myft", userID: "uuid:abcd", want: "/myft/abcd"},
		{name: "immutable entity", url: "/myft/" + testUserID, userID: "abcd", want: "/myft/" + testUserID},
		{name: "immutable page", url: "/myft/product-tour", userID: "abcd", want: "/myft/product-tour"},
		{name: "outside root", url: "/content/123", userID: "abcd", want: "/content/123"},
		{name: "empty user", url: "/myft", userID: "", want: "/myft"},
	}

	personaliser := New()
	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if got := personaliser.Personalise(testCase.url, testCase.userID); got != testCase.want {
				t.Fatalf("Personalise(%s, %s) = %s, want %s", testCase.url, testCase.userID, got, testCase.want)
			}
		})
	}
}

func TestPersonaliseCustomRoot(t *testing.T) {
	t.Parallel()

	personaliser := New(WithRoot("reader/"), WithImmutableSegments("welcome"))
	if got := personaliser.Personalise("/reader/saved", "abcd"); got != "/reader/saved/abcd" {
		t.Fatalf("Personalise custom root = %s", got)
	}
	if got := personaliser.Personalise("/reader/welcome", "abcd"); got != "/reader/welcome" {
		t.Fatalf("Personalise custom immutable = %s", got)
	}
	if got := personaliser.Personalise("/myft", "abcd"); got != "/myft" {
		t.Fatalf("Personalise default root under custom root = %s", got)
	}
}
