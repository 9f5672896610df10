package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/masjidlink/backend/docs"
	"github.com/masjidlink/backend/internal/config"
	"github.com/masjidlink/backend/internal/database"
	"github.com/masjidlink/backend/internal/handlers"
	mW "github.com/masjidlink/backend/internal/middleware"
	"github.com/masjidlink/backend/internal/services"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title MasjidLink Coin Ledger API
// @version 1.0
// @description Masjid Coin wallet, consultation booking and donation API
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	// Set environment variable prefix
	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("paystack.secret_key", "PAYSTACK_SECRET_KEY")
	viper.BindEnv("paystack.base_url", "PAYSTACK_BASE_URL")
	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "MasjidLink Coin Ledger API"
	docs.SwaggerInfo.Description = "Masjid Coin wallet, consultation booking and donation API"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	ledgerCfg := config.LoadLedgerConfig()

	ledgerService := services.NewLedgerService(db)
	walletService := services.NewWalletService(db, redisClient, ledgerService, ledgerCfg)
	authService := services.NewAuthService(db, redisClient)
	bankService := services.NewBankService()
	paystackClient := services.NewPaystackClient()
	consultationService := services.NewConsultationService(db, ledgerService, ledgerCfg)
	donationService := services.NewDonationService(db, ledgerService, ledgerCfg)
	withdrawalService := services.NewWithdrawalService(db, ledgerService, bankService, paystackClient, ledgerCfg)
	streamService := services.NewStreamService(db)
	webhookService := services.NewWebhookService(db, redisClient, ledgerService, walletService, ledgerCfg, paystackClient.SecretKey())
	qrService := services.NewQRService(db, redisClient, ledgerCfg)
	qrHandler := handlers.NewQRHandler(qrService)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// Static file server for bank logos
	r.Handle("/static/bank-logos/*", http.StripPrefix("/static/bank-logos/",
		mW.StaticFileServer("./static/bank-logos")))

	// Gateway webhook, signature-verified, outside the versioned API
	r.Post("/webhooks/paystack", webhookService.HandlePaystackWebhook)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)
		r.Get("/banks", bankService.GetAllBanks)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/auth/account", authService.GetUserAccount)
			r.Post("/auth/status", authService.SetOnlineStatus)

			// Wallet endpoints
			r.Get("/wallet/balance", walletService.GetBalance)
			r.Get("/wallet/transactions", walletService.GetTransactions)
			r.Post("/wallet/deposit/initiate", walletService.InitiateDeposit)

			// Consultation endpoints
			r.Post("/consultations", consultationService.BookConsultation)
			r.Get("/consultations", consultationService.ListBookings)
			r.Post("/consultations/{bookingId}/cancel", consultationService.CancelBooking)
			r.Post("/consultations/{bookingId}/extend", consultationService.ExtendSession)

			// Donation endpoints
			r.Post("/donations/zakat", donationService.DonateZakat)
			r.Post("/donations/qr", qrHandler.GenerateDonationQR)
			r.Post("/donations/qr/resolve", qrHandler.ResolveDonationQR)

			// Withdrawal endpoints
			r.Post("/withdrawals", withdrawalService.RequestWithdrawal)
			r.Get("/withdrawals", withdrawalService.ListWithdrawals)

			// Stream access endpoints
			r.Post("/streams/{streamId}/access/initiate", streamService.InitiateAccess)
			r.Get("/streams/{streamId}/access", streamService.GetAccess)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
