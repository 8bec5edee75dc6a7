package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/sessions"

	"github.com/hitushen/portpeek/internal/models"
)

const sessionName = "portpeek_auth"

// ErrUnauthorised 表示请求没有有效的登录会话。
var ErrUnauthorised = errors.New("unauthorised")

// Authenticator 校验用户名与密码。
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*models.User, error)
}

// Manager 负责处理登录会话。
type Manager struct {
	users  Authenticator
	cookie sessions.Store
}

// NewManager 使用提供的会话密钥创建 Manager。
func NewManager(users Authenticator, sessionKey []byte, secure bool) *Manager {
	cookieStore := sessions.NewCookieStore(sessionKey)
	cookieStore.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   60 * 60 * 12, // 12 小时
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	}
	return &Manager{
		users:  users,
		cookie: cookieStore,
	}
}

// Login 校验凭证并写入会话信息。
func (m *Manager) Login(w http.ResponseWriter, r *http.Request, username, password string) (*models.User, error) {
	user, err := m.users.Authenticate(r.Context(), username, password)
	if err != nil {
		return nil, err
	}
	session, _ := m.cookie.Get(r, sessionName)
	session.Values["user_id"] = user.ID
	session.Values["username"] = user.Username
	if err := session.Save(r, w); err != nil {
		return nil, err
	}
	return user, nil
}

// Logout 清理当前会话。
func (m *Manager) Logout(w http.ResponseWriter, r *http.Request) error {
	session, _ := m.cookie.Get(r, sessionName)
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

// CurrentUser 提取当前登录用户的 ID 与用户名。
func (m *Manager) CurrentUser(r *http.Request) (int64, string, error) {
	session, err := m.cookie.Get(r, sessionName)
	if err != nil {
		return 0, "", ErrUnauthorised
	}
	userID := toInt64(session.Values["user_id"])
	if userID == 0 {
		return 0, "", ErrUnauthorised
	}
	username, _ := session.Values["username"].(string)
	return userID, username, nil
}

// Middleware 确保请求具备已登录用户，否则返回 401 JSON。
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _, err := m.CurrentUser(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), userID)))
	})
}

// ContextWithUser 将用户 ID 写入上下文。
func ContextWithUser(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, contextKey("user_id"), userID)
}

// UserFromContext 从上下文读取用户 ID。
func UserFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(contextKey("user_id")).(int64)
	return id, ok
}

type contextKey string

func toInt64(v interface{}) int64 {
	switch value := v.(type) {
	case int:
		return int64(value)
	case int64:
		return value
	case float64:
		return int64(value)
	default:
		return 0
	}
}
