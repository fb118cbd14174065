package identity

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	apperrors "github.com/rcourtman/ledgerdesk/internal/errors"
	"github.com/rcourtman/ledgerdesk/internal/store"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) AuthCodeURL(ctx context.Context, state, verifier string) (string, error) {
	args := m.Called(ctx, state, verifier)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	args := m.Called(ctx, code, verifier)
	tok, _ := args.Get(0).(*oauth2.Token)
	return tok, args.Error(1)
}

func (m *mockProvider) Refresh(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	args := m.Called(ctx, token)
	tok, _ := args.Get(0).(*oauth2.Token)
	return tok, args.Error(1)
}

func (m *mockProvider) User(ctx context.Context, token *oauth2.Token) (*User, error) {
	args := m.Called(ctx, token)
	user, _ := args.Get(0).(*User)
	return user, args.Error(1)
}

func (m *mockProvider) Revoke(ctx context.Context, token *oauth2.Token) error {
	return m.Called(ctx, token).Error(0)
}

const testRedirect = "ledgerdesk://auth/callback"

func newTestService(t *testing.T, provider Provider, opener Opener) (*Service, store.Store) {
	t.Helper()
	st := store.New(store.NewMemory(), store.NewMemory(), store.DurableFirst)
	if opener == nil {
		opener = OpenerFunc(func(context.Context, string) error { return nil })
	}
	svc, err := NewService(Options{
		Provider:    provider,
		Store:       st,
		Opener:      opener,
		RedirectURL: testRedirect,
	})
	require.NoError(t, err)
	return svc, st
}

func TestExchangeCallbackRoundTrip(t *testing.T) {
	user := &User{ID: "sub-1", Email: "owner@example.com", DisplayName: "Owner"}

	t.Run("fragment tokens", func(t *testing.T) {
		provider := &mockProvider{}
		provider.On("User", mock.Anything, mock.MatchedBy(func(tok *oauth2.Token) bool {
			return tok.AccessToken == "A" && tok.RefreshToken == "B"
		})).Return(user, nil).Once()

		svc, st := newTestService(t, provider, nil)
		session, err := svc.ExchangeCallback(context.Background(), testRedirect+"#access_token=A&refresh_token=B")
		require.NoError(t, err)
		require.NotNil(t, session)
		assert.Equal(t, "owner@example.com", session.User.Email)

		_, ok, err := st.Get(store.ScopeDurable, store.KeyAuthSession)
		require.NoError(t, err)
		assert.True(t, ok)
		provider.AssertExpectations(t)
	})

	t.Run("query code", func(t *testing.T) {
		provider := &mockProvider{}
		tok := &oauth2.Token{AccessToken: "access", RefreshToken: "refresh", Expiry: time.Now().Add(time.Hour)}
		provider.On("Exchange", mock.Anything, "C", "").Return(tok, nil).Once()
		provider.On("User", mock.Anything, tok).Return(user, nil).Once()

		svc, _ := newTestService(t, provider, nil)
		session, err := svc.ExchangeCallback(context.Background(), testRedirect+"?code=C")
		require.NoError(t, err)
		require.NotNil(t, session)
		assert.Equal(t, "access", session.Token.AccessToken)
		provider.AssertExpectations(t)
	})

	t.Run("neither shape", func(t *testing.T) {
		provider := &mockProvider{}
		svc, _ := newTestService(t, provider, nil)
		session, err := svc.ExchangeCallback(context.Background(), testRedirect+"?foo=bar")
		require.NoError(t, err)
		assert.Nil(t, session)
		provider.AssertNotCalled(t, "Exchange", mock.Anything, mock.Anything, mock.Anything)
		provider.AssertNotCalled(t, "User", mock.Anything, mock.Anything)
	})
}

func TestExchangeCallbackIgnoresUnlistedURLs(t *testing.T) {
	provider := &mockProvider{}
	svc, _ := newTestService(t, provider, nil)

	session, err := svc.ExchangeCallback(context.Background(), "https://attacker.example.com/cb#access_token=A&refresh_token=B")
	require.NoError(t, err)
	assert.Nil(t, session)
	provider.AssertNotCalled(t, "User", mock.Anything, mock.Anything)
}

func TestExchangeCallbackRejectsLookalikeURLs(t *testing.T) {
	for _, raw := range []string{
		"ledgerdesk://auth/callbackXYZ#access_token=A&refresh_token=B",
		"ledgerdesk://authXcallback#access_token=A&refresh_token=B",
		"ledgerdesk://auth/callbac?#access_token=A&refresh_token=B",
	} {
		provider := &mockProvider{}
		svc, _ := newTestService(t, provider, nil)

		session, err := svc.ExchangeCallback(context.Background(), raw)
		require.NoError(t, err, raw)
		assert.Nil(t, session, raw)
		provider.AssertNotCalled(t, "User", mock.Anything, mock.Anything)
	}
}

func TestExchangeCallbackAcceptsConfiguredPatterns(t *testing.T) {
	user := &User{ID: "sub-1", Email: "owner@example.com"}
	provider := &mockProvider{}
	provider.On("User", mock.Anything, mock.Anything).Return(user, nil).Once()

	svc, err := NewService(Options{
		Provider:         provider,
		Store:            store.New(store.NewMemory(), store.NewMemory(), store.DurableFirst),
		Opener:           OpenerFunc(func(context.Context, string) error { return nil }),
		RedirectURL:      testRedirect,
		CallbackPatterns: []string{"https://app.example.com/*/callback*"},
	})
	require.NoError(t, err)

	session, err := svc.ExchangeCallback(context.Background(), "https://app.example.com/en/callback#access_token=A&refresh_token=B")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "owner@example.com", session.User.Email)
	provider.AssertExpectations(t)
}

func TestExchangeCallbackProviderRejection(t *testing.T) {
	provider := &mockProvider{}
	provider.On("Exchange", mock.Anything, "bad", "").Return(nil, errors.New("invalid_grant")).Once()

	svc, st := newTestService(t, provider, nil)
	session, err := svc.ExchangeCallback(context.Background(), testRedirect+"?code=bad")
	assert.Nil(t, session)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrCallbackExchange)
	assert.Equal(t, apperrors.CodeAuthenticationFailed, apperrors.CodeOf(err))

	_, ok, _ := st.Get(store.ScopeDurable, store.KeyAuthSession)
	assert.False(t, ok)
}

func TestExchangeCallbackErrorParameter(t *testing.T) {
	provider := &mockProvider{}
	svc, _ := newTestService(t, provider, nil)

	_, err := svc.ExchangeCallback(context.Background(), testRedirect+"#error=access_denied")
	assert.ErrorIs(t, err, apperrors.ErrCallbackExchange)
}

func TestSignInThenCodeCallbackUsesPendingVerifier(t *testing.T) {
	provider := &mockProvider{}
	var opened string
	opener := OpenerFunc(func(_ context.Context, url string) error {
		opened = url
		return nil
	})

	var capturedState, capturedVerifier string
	provider.On("AuthCodeURL", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			capturedState = args.String(1)
			capturedVerifier = args.String(2)
		}).
		Return("https://issuer.example.com/auth?x=1", nil).Once()

	svc, st := newTestService(t, provider, opener)
	require.NoError(t, svc.SignIn(context.Background(), ""))
	assert.Equal(t, "https://issuer.example.com/auth?x=1", opened)
	require.NotEmpty(t, capturedState)
	require.NotEmpty(t, capturedVerifier)

	raw, ok, err := st.Get(store.ScopeDurable, store.KeyOAuthPending)
	require.NoError(t, err)
	require.True(t, ok)
	var pending pendingSignIn
	require.NoError(t, json.Unmarshal([]byte(raw), &pending))
	assert.Equal(t, testRedirect, pending.Redirect)

	t.Run("mismatched state", func(t *testing.T) {
		_, err := svc.ExchangeCallback(context.Background(), testRedirect+"?code=C&state=other")
		assert.ErrorIs(t, err, apperrors.ErrCallbackExchange)
	})

	t.Run("matching state", func(t *testing.T) {
		tok := &oauth2.Token{AccessToken: "access", Expiry: time.Now().Add(time.Hour)}
		provider.On("Exchange", mock.Anything, "C", capturedVerifier).Return(tok, nil).Once()
		provider.On("User", mock.Anything, tok).Return(&User{Email: "a@example.com"}, nil).Once()

		session, err := svc.ExchangeCallback(context.Background(), testRedirect+"?code=C&state="+capturedState)
		require.NoError(t, err)
		require.NotNil(t, session)

		_, ok, _ := st.Get(store.ScopeDurable, store.KeyOAuthPending)
		assert.False(t, ok, "pending sign-in should be consumed")
	})

	provider.AssertExpectations(t)
}

func TestSignInFailures(t *testing.T) {
	t.Run("provider", func(t *testing.T) {
		provider := &mockProvider{}
		provider.On("AuthCodeURL", mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("discovery failed")).Once()
		svc, _ := newTestService(t, provider, nil)

		err := svc.SignIn(context.Background(), "")
		assert.ErrorIs(t, err, apperrors.ErrAuthInit)
	})

	t.Run("opener", func(t *testing.T) {
		provider := &mockProvider{}
		provider.On("AuthCodeURL", mock.Anything, mock.Anything, mock.Anything).Return("https://issuer/auth", nil).Once()
		opener := OpenerFunc(func(context.Context, string) error { return errors.New("no browser") })
		svc, _ := newTestService(t, provider, opener)

		err := svc.SignIn(context.Background(), "")
		assert.ErrorIs(t, err, apperrors.ErrAuthInit)
		assert.Equal(t, apperrors.CodeLoginClickFailed, apperrors.CodeOf(err))
	})
}

func seedSession(t *testing.T, st store.Store, session Session) {
	t.Helper()
	data, err := json.Marshal(session)
	require.NoError(t, err)
	require.NoError(t, st.Set(store.ScopeDurable, store.KeyAuthSession, string(data)))
}

func TestGetCurrentUser(t *testing.T) {
	user := User{Email: "owner@example.com", DisplayName: "Owner"}

	t.Run("no session", func(t *testing.T) {
		svc, _ := newTestService(t, &mockProvider{}, nil)
		got, err := svc.GetCurrentUser(context.Background())
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("valid token", func(t *testing.T) {
		svc, st := newTestService(t, &mockProvider{}, nil)
		seedSession(t, st, Session{User: user, Token: &oauth2.Token{AccessToken: "a", Expiry: time.Now().Add(time.Hour)}})

		got, err := svc.GetCurrentUser(context.Background())
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, user.Email, got.Email)
	})

	t.Run("expired token refreshed", func(t *testing.T) {
		provider := &mockProvider{}
		refreshed := &oauth2.Token{AccessToken: "new", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)}
		provider.On("Refresh", mock.Anything, mock.Anything).Return(refreshed, nil).Once()

		svc, st := newTestService(t, provider, nil)
		seedSession(t, st, Session{User: user, Token: &oauth2.Token{AccessToken: "old", RefreshToken: "r", Expiry: time.Now().Add(-time.Minute)}})

		got, err := svc.GetCurrentUser(context.Background())
		require.NoError(t, err)
		require.NotNil(t, got)

		raw, _, _ := st.Get(store.ScopeDurable, store.KeyAuthSession)
		assert.Contains(t, raw, `"access_token":"new"`)
		provider.AssertExpectations(t)
	})

	t.Run("refresh rejected ends session", func(t *testing.T) {
		provider := &mockProvider{}
		provider.On("Refresh", mock.Anything, mock.Anything).Return(nil, &oauth2.RetrieveError{ErrorCode: "invalid_grant"}).Once()

		svc, st := newTestService(t, provider, nil)
		seedSession(t, st, Session{User: user, Token: &oauth2.Token{AccessToken: "old", RefreshToken: "r", Expiry: time.Now().Add(-time.Minute)}})

		got, err := svc.GetCurrentUser(context.Background())
		require.NoError(t, err)
		assert.Nil(t, got)
		_, ok, _ := st.Get(store.ScopeDurable, store.KeyAuthSession)
		assert.False(t, ok)
	})

	t.Run("refresh transport failure surfaces", func(t *testing.T) {
		provider := &mockProvider{}
		provider.On("Refresh", mock.Anything, mock.Anything).Return(nil, errors.New("dial tcp: no route to host")).Once()

		svc, st := newTestService(t, provider, nil)
		seedSession(t, st, Session{User: user, Token: &oauth2.Token{AccessToken: "old", RefreshToken: "r", Expiry: time.Now().Add(-time.Minute)}})

		got, err := svc.GetCurrentUser(context.Background())
		assert.Error(t, err)
		assert.Nil(t, got)
		_, ok, _ := st.Get(store.ScopeDurable, store.KeyAuthSession)
		assert.True(t, ok, "session must survive a transient refresh failure")
	})
}

func TestSignOutClearsLocallyEvenWhenRevokeFails(t *testing.T) {
	provider := &mockProvider{}
	provider.On("Revoke", mock.Anything, mock.Anything).Return(errors.New("issuer down")).Once()

	svc, st := newTestService(t, provider, nil)
	seedSession(t, st, Session{User: User{Email: "a@example.com"}, Token: &oauth2.Token{AccessToken: "a", RefreshToken: "r"}})

	err := svc.SignOut(context.Background())
	assert.Error(t, err)

	_, ok, _ := st.Get(store.ScopeDurable, store.KeyAuthSession)
	assert.False(t, ok)
	provider.AssertExpectations(t)
}

func TestSignOutWithoutSession(t *testing.T) {
	provider := &mockProvider{}
	svc, _ := newTestService(t, provider, nil)
	assert.NoError(t, svc.SignOut(context.Background()))
	provider.AssertNotCalled(t, "Revoke", mock.Anything, mock.Anything)
}

func TestParseShell(t *testing.T) {
	shell, ok := ParseShell("")
	assert.True(t, ok)
	assert.Equal(t, ShellDesktop, shell)

	shell, ok = ParseShell(" Mobile ")
	assert.True(t, ok)
	assert.Equal(t, ShellMobile, shell)

	_, ok = ParseShell("tv")
	assert.False(t, ok)
}
