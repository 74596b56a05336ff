package main

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hackgods/telemedicine-scheduling/internal/appointment"
	"github.com/hackgods/telemedicine-scheduling/internal/calendar"
	"github.com/hackgods/telemedicine-scheduling/internal/clock"
	"github.com/hackgods/telemedicine-scheduling/internal/config"
	"github.com/hackgods/telemedicine-scheduling/internal/db"
	"github.com/hackgods/telemedicine-scheduling/internal/logger"
	"github.com/hackgods/telemedicine-scheduling/internal/notify"
	redisclient "github.com/hackgods/telemedicine-scheduling/internal/redis"
)

var dayTimes = []calendar.TimeOfDay{
	"09:00", "09:30", "10:00", "10:30", "11:00", "11:30",
	"14:00", "14:30", "15:00", "15:30", "16:00", "16:30",
}

var problems = []string{
	"persistent cough", "skin rash", "lower back pain", "migraine",
	"fever and chills", "follow up on blood work", "sleep trouble",
}

var timezones = []string{"UTC", "Asia/Kolkata", "Europe/Berlin", "America/New_York"}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("config load error: " + err.Error())
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if cfg.StoreDriver != config.StorePostgres {
		log.Fatal("seed needs the postgres store", zap.String("store", cfg.StoreDriver))
	}

	doctors := getInt("SEED_DOCTORS", 50)
	days := getInt("SEED_DAYS", 14)
	bookings := getInt("SEED_BOOKINGS", 500)

	ctx := context.Background()

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(connCtx, cfg.PostgresDSN, db.PoolOptions{})
	if err == nil {
		err = db.Migrate(connCtx, pool)
	}
	cancel()
	if err != nil {
		log.Fatal("postgres setup error", zap.Error(err))
	}
	defer pool.Close()

	svc := appointment.NewService(
		appointment.NewPgRepository(pool),
		redisclient.NewLocalLocker(),
		notify.NewLogPublisher(zap.NewNop()),
		clock.System(),
		cfg,
		log,
	)

	gofakeit.Seed(time.Now().UnixNano())

	ids, err := seedAvailability(ctx, svc, doctors, days)
	if err != nil {
		log.Fatal("seed availability", zap.Error(err))
	}
	log.Info("availability seeded", zap.Int("doctors", len(ids)), zap.Int("days", days))

	booked, err := seedBookings(ctx, svc, ids, days, bookings)
	if err != nil {
		log.Fatal("seed bookings", zap.Error(err))
	}
	log.Info("seed complete", zap.Int("bookings", booked))
}

func seedAvailability(ctx context.Context, svc *appointment.Service, doctors, days int) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, doctors)
	// Start tomorrow so the lead time never rejects the earliest slots.
	start := calendar.AddDays(calendar.DateOf(time.Now().UTC()), 1)

	for i := 0; i < doctors; i++ {
		doctor := appointment.Principal{UserID: uuid.New(), Role: appointment.RoleDoctor}
		tz := timezones[gofakeit.Number(0, len(timezones)-1)]

		var entries []appointment.DaySlots
		for d := 0; d < days; d++ {
			date := calendar.AddDays(start, d)
			if calendar.IsWeekend(date) {
				continue
			}

			// Mornings by video, afternoons at home, with a few gaps.
			var video, home []calendar.TimeOfDay
			for j, t := range dayTimes {
				if gofakeit.Bool() && gofakeit.Bool() {
					continue
				}
				if j < len(dayTimes)/2 {
					video = append(video, t)
				} else {
					home = append(home, t)
				}
			}
			entries = append(entries,
				appointment.DaySlots{Date: date, Mode: appointment.ModeVideo, Slots: video, Timezone: tz},
				appointment.DaySlots{Date: date, Mode: appointment.ModeHomeVisit, Slots: home, Timezone: tz},
			)
		}

		if _, err := svc.SetAvailability(ctx, doctor, doctor.UserID, entries); err != nil {
			return nil, err
		}
		ids = append(ids, doctor.UserID)
	}
	return ids, nil
}

func seedBookings(ctx context.Context, svc *appointment.Service, doctors []uuid.UUID, days, count int) (int, error) {
	from := calendar.AddDays(calendar.DateOf(time.Now().UTC()), 1)
	to := calendar.AddDays(from, days-1)
	fees := []int64{0, 300, 500, 800}

	if len(doctors) == 0 {
		return 0, nil
	}

	booked := 0
	for attempt := 0; attempt < count*3 && booked < count; attempt++ {
		doctorID := doctors[gofakeit.Number(0, len(doctors)-1)]

		views, err := svc.GetAvailability(ctx, doctorID, from, to)
		if err != nil {
			return booked, err
		}
		if len(views) == 0 {
			continue
		}
		v := views[gofakeit.Number(0, len(views)-1)]
		if !v.IsAvailable() {
			continue
		}
		st := v.States[gofakeit.Number(0, len(v.States)-1)]
		if !st.Free {
			continue
		}

		patient := appointment.Principal{UserID: uuid.New(), Role: appointment.RolePatient}
		hold, err := svc.Hold(ctx, patient, appointment.HoldRequest{
			DoctorID: doctorID,
			Date:     v.Date,
			Time:     st.Time,
			Mode:     v.Mode,
		})
		if errors.Is(err, appointment.ErrSlotUnavailable) || errors.Is(err, appointment.ErrLeadTimeTooShort) {
			continue
		}
		if err != nil {
			return booked, err
		}

		_, err = svc.Book(ctx, patient, appointment.BookingRequest{
			HoldToken: hold.Token,
			PatientDetails: appointment.PatientDetails{
				Name:    gofakeit.Name(),
				Age:     gofakeit.Number(1, 95),
				Gender:  gofakeit.Gender(),
				Phone:   gofakeit.Phone(),
				Problem: problems[gofakeit.Number(0, len(problems)-1)],
			},
			PaymentMethod: gofakeit.RandomString([]string{"card", "upi", "wallet"}),
			Fee:           decimal.NewFromInt(fees[gofakeit.Number(0, len(fees)-1)]),
		})
		if err != nil {
			return booked, err
		}
		booked++
	}
	return booked, nil
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
