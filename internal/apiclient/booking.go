package apiclient

import (
	"context"
	"fmt"
	"net/url"
)

// BookingService binds the booking-domain endpoints. Every call is routed
// through the resilient client, so the whole booking surface inherits the
// credential attachment and 401 retry behavior uniformly.
type BookingService struct {
	client *Client
}

// NewBookingService constructs the service over the shared client.
func NewBookingService(client *Client) *BookingService {
	if client == nil {
		panic("booking service requires an api client")
	}
	return &BookingService{client: client}
}

// Station is a departure or arrival point.
type Station struct {
	ID   int64  `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
	City string `json:"city"`
}

// Schedule is a bookable train departure.
type Schedule struct {
	ID              int64  `json:"id"`
	TrainName       string `json:"train_name"`
	OriginCode      string `json:"origin"`
	DestinationCode string `json:"destination"`
	DepartsAt       string `json:"departs_at"`
	ArrivesAt       string `json:"arrives_at"`
	Price           int64  `json:"price"`
	SeatsAvailable  int    `json:"seats_available"`
}

// Seat is one selectable seat on a schedule.
type Seat struct {
	ID       int64  `json:"id"`
	Carriage string `json:"carriage"`
	Number   string `json:"number"`
	Booked   bool   `json:"booked"`
}

// PassengerInput is the per-passenger data entered during booking.
type PassengerInput struct {
	Name     string `json:"name"`
	IDNumber string `json:"id_number"`
	SeatID   int64  `json:"seat_id"`
}

// BookingRequest creates a booking for one schedule.
type BookingRequest struct {
	ScheduleID int64            `json:"schedule_id"`
	Passengers []PassengerInput `json:"passengers"`
}

// Booking is a created or historical booking.
type Booking struct {
	ID         int64            `json:"id"`
	Code       string           `json:"booking_code"`
	ScheduleID int64            `json:"schedule_id"`
	Status     string           `json:"status"`
	TotalPrice int64            `json:"total_price"`
	Passengers []PassengerInput `json:"passengers"`
}

// PaymentRequest confirms a simulated bank transfer for a booking.
type PaymentRequest struct {
	Method      string `json:"method"`
	AccountName string `json:"account_name"`
}

// Stations lists all stations.
func (service *BookingService) Stations(ctx context.Context) ([]Station, error) {
	var out struct {
		Stations []Station `json:"stations"`
	}
	if err := service.client.Get(ctx, "/stations", &out); err != nil {
		return nil, err
	}
	return out.Stations, nil
}

// SearchSchedules lists departures between two stations on a date.
func (service *BookingService) SearchSchedules(ctx context.Context, originCode string, destinationCode string, date string) ([]Schedule, error) {
	query := url.Values{}
	query.Set("origin", originCode)
	query.Set("destination", destinationCode)
	query.Set("date", date)
	var out struct {
		Schedules []Schedule `json:"schedules"`
	}
	if err := service.client.Get(ctx, "/schedules?"+query.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Schedules, nil
}

// SeatMap lists the seats of a schedule with their availability.
func (service *BookingService) SeatMap(ctx context.Context, scheduleID int64) ([]Seat, error) {
	var out struct {
		Seats []Seat `json:"seats"`
	}
	if err := service.client.Get(ctx, fmt.Sprintf("/schedules/%d/seats", scheduleID), &out); err != nil {
		return nil, err
	}
	return out.Seats, nil
}

// CreateBooking books seats for the given passengers.
func (service *BookingService) CreateBooking(ctx context.Context, request BookingRequest) (*Booking, error) {
	var out struct {
		Booking *Booking `json:"booking"`
	}
	if err := service.client.Post(ctx, "/bookings", request, &out); err != nil {
		return nil, err
	}
	return out.Booking, nil
}

// ConfirmPayment records the simulated bank-transfer confirmation.
func (service *BookingService) ConfirmPayment(ctx context.Context, bookingID int64, request PaymentRequest) (*Booking, error) {
	var out struct {
		Booking *Booking `json:"booking"`
	}
	if err := service.client.Post(ctx, fmt.Sprintf("/bookings/%d/payment", bookingID), request, &out); err != nil {
		return nil, err
	}
	return out.Booking, nil
}

// History lists the authenticated user's bookings.
func (service *BookingService) History(ctx context.Context) ([]Booking, error) {
	var out struct {
		Bookings []Booking `json:"bookings"`
	}
	if err := service.client.Get(ctx, "/bookings/history", &out); err != nil {
		return nil, err
	}
	return out.Bookings, nil
}
