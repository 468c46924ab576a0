package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/railgate/railgate/internal/apiclient"
	"github.com/railgate/railgate/internal/sessionkit"
)

// Handlers bridges the browser to the session lifecycle controller and the
// booking service.
type Handlers struct {
	store      *sessionkit.Store
	controller *sessionkit.Controller
	bookings   *apiclient.BookingService
	clock      sessionkit.Clock
	logger     *zap.Logger
}

// NewHandlers constructs the handler set. The clock and logger may be nil.
func NewHandlers(store *sessionkit.Store, controller *sessionkit.Controller, bookings *apiclient.BookingService, clock sessionkit.Clock, logger *zap.Logger) *Handlers {
	if store == nil || controller == nil || bookings == nil {
		panic("gateway handlers require the store, controller, and booking service")
	}
	if clock == nil {
		clock = sessionkit.NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		store:      store,
		controller: controller,
		bookings:   bookings,
		clock:      clock,
		logger:     logger,
	}
}

// Mount registers the JSON API surface.
func (handlers *Handlers) Mount(router gin.IRouter) {
	router.POST("/api/login", handlers.handleLogin)
	router.POST("/api/register", handlers.handleRegister)
	router.POST("/api/logout", handlers.handleLogout)
	router.GET("/api/session", handlers.handleSession)
	router.GET("/api/stations", handlers.handleStations)
	router.GET("/api/schedules", handlers.handleSchedules)
	router.GET("/api/schedules/:id/seats", handlers.handleSeatMap)
	router.POST("/api/bookings", handlers.handleCreateBooking)
	router.GET("/api/bookings/history", handlers.handleBookingHistory)
	router.POST("/api/bookings/:id/payment", handlers.handleConfirmPayment)
}

func (handlers *Handlers) handleLogin(contextGin *gin.Context) {
	var inbound struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" || inbound.Password == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	profile, loginErr := handlers.controller.Login(contextGin, inbound.Email, inbound.Password)
	if loginErr != nil {
		handlers.renderError(contextGin, loginErr)
		return
	}
	handlers.writeSessionCookie(contextGin)
	contextGin.JSON(http.StatusOK, gin.H{"user": profile})
}

func (handlers *Handlers) handleRegister(contextGin *gin.Context) {
	var inbound struct {
		Name                 string `json:"name"`
		Email                string `json:"email"`
		Password             string `json:"password"`
		PasswordConfirmation string `json:"password_confirmation"`
	}
	if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" || inbound.Password == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	profile, registerErr := handlers.controller.Register(contextGin, inbound.Name, inbound.Email, inbound.Password, inbound.PasswordConfirmation)
	if registerErr != nil {
		handlers.renderError(contextGin, registerErr)
		return
	}
	handlers.writeSessionCookie(contextGin)
	contextGin.JSON(http.StatusOK, gin.H{"user": profile})
}

// handleLogout clears the session and hard-redirects to the landing route so
// no stale page state survives the navigation.
func (handlers *Handlers) handleLogout(contextGin *gin.Context) {
	handlers.controller.Logout(contextGin)
	http.SetCookie(contextGin.Writer, handlers.store.ExpiredSessionCookie())
	contextGin.Redirect(http.StatusSeeOther, "/")
}

func (handlers *Handlers) handleSession(contextGin *gin.Context) {
	record := handlers.store.Load(contextGin)
	if !record.Valid(handlers.clock.Now()) {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "no_session"})
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"user":    record.User,
		"expires": record.ExpiresAt(),
		"state":   handlers.controller.State().String(),
	})
}

func (handlers *Handlers) handleStations(contextGin *gin.Context) {
	stations, err := handlers.bookings.Stations(contextGin)
	if err != nil {
		handlers.renderError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"stations": stations})
}

func (handlers *Handlers) handleSchedules(contextGin *gin.Context) {
	originCode := contextGin.Query("origin")
	destinationCode := contextGin.Query("destination")
	date := contextGin.Query("date")
	if originCode == "" || destinationCode == "" || date == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_search_parameters"})
		return
	}
	schedules, err := handlers.bookings.SearchSchedules(contextGin, originCode, destinationCode, date)
	if err != nil {
		handlers.renderError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

func (handlers *Handlers) handleSeatMap(contextGin *gin.Context) {
	scheduleID, ok := handlers.pathID(contextGin)
	if !ok {
		return
	}
	seats, err := handlers.bookings.SeatMap(contextGin, scheduleID)
	if err != nil {
		handlers.renderError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"seats": seats})
}

func (handlers *Handlers) handleCreateBooking(contextGin *gin.Context) {
	var request apiclient.BookingRequest
	if err := contextGin.BindJSON(&request); err != nil || request.ScheduleID == 0 || len(request.Passengers) == 0 {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	booking, err := handlers.bookings.CreateBooking(contextGin, request)
	if err != nil {
		handlers.renderError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusCreated, gin.H{"booking": booking})
}

func (handlers *Handlers) handleBookingHistory(contextGin *gin.Context) {
	bookings, err := handlers.bookings.History(contextGin)
	if err != nil {
		handlers.renderError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"bookings": bookings})
}

func (handlers *Handlers) handleConfirmPayment(contextGin *gin.Context) {
	bookingID, ok := handlers.pathID(contextGin)
	if !ok {
		return
	}
	var request apiclient.PaymentRequest
	if err := contextGin.BindJSON(&request); err != nil || request.Method == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	booking, err := handlers.bookings.ConfirmPayment(contextGin, bookingID, request)
	if err != nil {
		handlers.renderError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"booking": booking})
}

func (handlers *Handlers) pathID(contextGin *gin.Context) (int64, bool) {
	id, parseErr := strconv.ParseInt(contextGin.Param("id"), 10, 64)
	if parseErr != nil || id <= 0 {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return id, true
}

func (handlers *Handlers) writeSessionCookie(contextGin *gin.Context) {
	record := handlers.store.Load(contextGin)
	if record == nil {
		handlers.logger.Error("session missing right after authentication",
			zap.String("code", "gateway.cookie.missing_session"))
		return
	}
	http.SetCookie(contextGin.Writer, handlers.store.SessionCookie(record))
}

// renderError maps the client's error taxonomy onto HTTP responses. An
// authorization failure that survived the refresh protocol also clears the
// cookie and points the browser at the login page.
func (handlers *Handlers) renderError(contextGin *gin.Context, err error) {
	var apiError *apiclient.APIError
	if !errors.As(err, &apiError) {
		if errors.Is(err, sessionkit.ErrSessionExpired) || errors.Is(err, sessionkit.ErrNoSession) {
			handlers.renderSessionExpired(contextGin)
			return
		}
		handlers.logger.Error("unclassified backend failure",
			zap.String("code", "gateway.error.unclassified"),
			zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"message": "the booking service is unavailable, please try again later"})
		return
	}
	switch apiError.Kind {
	case apiclient.KindAuthorization:
		handlers.renderSessionExpired(contextGin)
	case apiclient.KindValidation:
		status := apiError.StatusCode
		if status == 0 {
			status = http.StatusUnprocessableEntity
		}
		contextGin.AbortWithStatusJSON(status, gin.H{"message": apiError.Message, "errors": apiError.Fields})
	case apiclient.KindNetwork:
		contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"message": apiError.Message})
	default:
		contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"message": apiError.Message})
	}
}

func (handlers *Handlers) renderSessionExpired(contextGin *gin.Context) {
	http.SetCookie(contextGin.Writer, handlers.store.ExpiredSessionCookie())
	contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":    "session_expired",
		"redirect": "/login",
	})
}
