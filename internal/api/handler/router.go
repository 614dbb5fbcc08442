package handler

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RouterOptions configure NewRouter.
type RouterOptions struct {
	CookieSecret string
	Development  bool
}

// NewRouter builds the gin engine with every route.
func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	if !opts.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if opts.Development {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(opts.CookieSecret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 30, HttpOnly: true})
	r.Use(sessions.Sessions(cookieName, store))

	r.GET("/healthz", h.Health)

	auth := h.RequireSession()
	// The live socket outlives any request deadline.
	r.GET("/rooms/:id/live", auth, h.ServeLive)

	api := r.Group("/", h.Timeout())
	api.GET("/session", h.GetSession)
	api.PATCH("/session", auth, h.PatchSession)
	api.GET("/session/captcha", auth, h.GetCaptcha)
	api.POST("/session/captcha", auth, h.PostCaptcha)

	api.GET("/rooms", h.ListRooms)
	api.GET("/rooms/:id", h.GetRoom)
	api.POST("/rooms", auth, h.CreateRoom)

	rooms := api.Group("/rooms/:id", auth)
	rooms.POST("/join", h.JoinRoom)
	rooms.POST("/leave", h.LeaveRoom)
	rooms.POST("/heartbeat", h.Heartbeat)
	rooms.GET("/participants", h.ListParticipants)
	rooms.GET("/messages", h.ListMessages)
	rooms.POST("/messages", h.SendMessage)
	rooms.POST("/speaking", h.StartSpeaking)
	rooms.DELETE("/speaking", h.StopSpeaking)
	rooms.GET("/speakers", h.ListSpeakers)

	// Model calls run longer than ordinary requests.
	ai := r.Group("/", auth, h.AIDeadline())
	ai.POST("/rooms/:id/analysis", h.RequestAnalysis)
	ai.POST("/ai/room-suggestion", h.SuggestRoom)

	log.Info().Str("module", "api").Bool("development", opts.Development).Msg("router setup")
	return r
}
