package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Udo/wasapi/internal/config"
	"github.com/Udo/wasapi/internal/dynamic"
	"github.com/Udo/wasapi/internal/fileio"
	"github.com/Udo/wasapi/internal/request"
	"github.com/sirupsen/logrus"
)

// Store 磁盘会话存储：每个会话一个 JSON 文件，
// 读取走文件缓存，写入用原子替换。
type Store struct {
	cfg   *config.Store
	cache *fileio.Cache
	log   *logrus.Entry
}

// NewStore 创建会话存储
func NewStore(cfg *config.Store, cache *fileio.Cache) *Store {
	return &Store{
		cfg:   cfg,
		cache: cache,
		log: logrus.WithFields(logrus.Fields{
			"component": "session_store",
		}),
	}
}

func (s *Store) path(id string) string {
	return filepath.Join(s.cfg.Get().Session.StoragePath, id+".json")
}

// GetID 返回请求的会话标识，create 为 true 且没有标识时生成新的
func (s *Store) GetID(r *request.Request, create bool) string {
	if r.SessionID != "" {
		return r.SessionID
	}
	if !create {
		return ""
	}
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		s.log.Errorf("生成会话标识失败: %v", err)
		return ""
	}
	r.SessionID = hex.EncodeToString(buf[:])
	return r.SessionID
}

// Start 开始会话：补发 Set-Cookie 并加载已有数据。
// Cookie 里已带会话标识时沿用，否则生成新标识。
func (s *Store) Start(r *request.Request) bool {
	sc := s.cfg.Get().Session
	if sid := r.Cookies.Find(sc.CookieName); sid != nil && sid.Type == dynamic.String && sid.Str != "" {
		r.SessionID = sid.Str
	}
	if s.GetID(r, true) == "" {
		return false
	}
	if r.Cookies.Find(sc.CookieName) == nil {
		r.Headers.SetString("Set-Cookie",
			fmt.Sprintf("%s=%s; Path=%s; Max-Age=%d; HttpOnly", sc.CookieName, r.SessionID, sc.CookiePath, int64(sc.CookieLifetime)))
	}
	if !s.Load(r) {
		r.Session.Clear()
		r.Session.BecomeObject()
	}
	return true
}

// Load 从磁盘加载会话数据
func (s *Store) Load(r *request.Request) bool {
	if r.SessionID == "" {
		return false
	}
	content, err := s.cache.ReadFile(s.path(r.SessionID))
	if err != nil || len(content) == 0 {
		return false
	}
	parsed, _, err := dynamic.ParseJSON(content)
	if err != nil {
		return false
	}
	r.Session = parsed
	return true
}

// Save 把会话数据写回磁盘
func (s *Store) Save(r *request.Request) bool {
	if r.SessionID == "" {
		return false
	}
	dir := s.cfg.Get().Session.StoragePath
	if err := os.MkdirAll(dir, 0777); err != nil {
		s.log.Errorf("创建会话目录失败: %v", err)
		return false
	}
	if err := fileio.WriteFile(s.path(r.SessionID), []byte(r.Session.ToJSON(false))); err != nil {
		s.log.Errorf("保存会话失败: %v", err)
		return false
	}
	return true
}

// Clear 删除会话文件并清空会话数据
func (s *Store) Clear(r *request.Request) bool {
	if r.SessionID != "" {
		os.Remove(s.path(r.SessionID))
	}
	r.SessionID = ""
	r.Session = dynamic.NewObject()
	return true
}
