// internal/config/config.go
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"esimbot/internal/logger"
)

// Variables available everywhere
var (
	telegramToken string
	adminID       int64

	paypayAPIKey    string
	paypayAPISecret string
	paypayAPIBase   string
	callbackBaseURL string

	baseDir         string
	dataFile        string
	backupDirectory string
	purchaseDBPath  string

	sessionTTL      time.Duration
	backupRetention int

	// Exported settings
	UseMockWebhookVerification bool
)

const (
	defaultSessionTTLHours  = 24
	defaultBackupRetention  = 10
	defaultPayPayAPISandbox = "https://stg-api.sandbox.paypay.ne.jp"
	defaultPayPayAPILive    = "https://api.paypay.ne.jp"
)

// LoadEnv reads the .env file, falling back to system environment variables.
func LoadEnv() {
	wd, err := os.Getwd()
	if err != nil {
		log.Printf("Could not determine working directory: %v", err)
	}

	if err := godotenv.Load(".env"); err != nil {
		log.Printf("No .env file found in %s. Using system environment variables.", wd)
	} else {
		log.Printf("Loaded environment variables from .env file in %s", wd)
	}

	UseMockWebhookVerification = os.Getenv("USE_MOCK_WEBHOOK") == "true"
	if UseMockWebhookVerification {
		log.Printf("Mock webhook verification enabled. Skipping real signature checks.")
	}
}

// LoggerConfig returns a logger.Config populated from environment.
func LoggerConfig() logger.Config {
	logDir := os.Getenv("LOGS_DIRECTORY")
	if logDir == "" {
		logDir = "./logs"
	}

	logFormat := os.Getenv("LOG_FILE_FORMAT")
	if logFormat == "" {
		logFormat = "bot_%s.log"
	}

	timezone := os.Getenv("TIME_ZONE")
	if timezone == "" {
		timezone = "Asia/Tokyo"
	}

	return logger.Config{
		LogsDirectory: logDir,
		LogFileFormat: logFormat,
		TimeZone:      timezone,
	}
}

// ConfigurePaths sets up data and backup locations.
func ConfigurePaths() {
	wd, err := os.Getwd()
	if err != nil {
		logger.LogFatal("Failed to get working directory: %v", err)
	}
	baseDir = wd

	dataFile = os.Getenv("DATA_FILE")
	if dataFile == "" {
		dataFile = filepath.Join(baseDir, "data", "ledger.json")
	}

	backupDirectory = os.Getenv("BACKUP_DIRECTORY")
	if backupDirectory == "" {
		backupDirectory = filepath.Join(baseDir, "data", "backups")
	}

	purchaseDBPath = os.Getenv("PURCHASE_DB")
	if purchaseDBPath == "" {
		purchaseDBPath = filepath.Join(baseDir, "data", "purchases.db")
	}

	ttlHours := defaultSessionTTLHours
	if v := os.Getenv("SESSION_TTL_HOURS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			logger.LogWarn("Invalid SESSION_TTL_HOURS: %s, using default %d", v, defaultSessionTTLHours)
		} else {
			ttlHours = n
		}
	}
	sessionTTL = time.Duration(ttlHours) * time.Hour

	backupRetention = defaultBackupRetention
	if v := os.Getenv("BACKUP_RETENTION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			logger.LogWarn("Invalid BACKUP_RETENTION: %s, using default %d", v, defaultBackupRetention)
		} else {
			backupRetention = n
		}
	}
}

// LoadBotConfig reads the Telegram credentials. Both values are required;
// the process must not accept traffic without them.
func LoadBotConfig() error {
	telegramToken = os.Getenv("TELEGRAM_TOKEN")
	if telegramToken == "" {
		return fmt.Errorf("TELEGRAM_TOKEN is missing")
	}

	idStr := os.Getenv("ADMIN_ID")
	if idStr == "" {
		return fmt.Errorf("ADMIN_ID is missing")
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return fmt.Errorf("ADMIN_ID is not a valid Telegram user ID: %w", err)
	}
	adminID = id

	return nil
}

// LoadPayPayConfig sets up the payment gateway info. Card checkout is
// optional; when the credentials are absent the manual approval path is the
// only one available.
func LoadPayPayConfig() {
	paypayAPIKey = os.Getenv("PAYPAY_API_KEY")
	paypayAPISecret = os.Getenv("PAYPAY_API_SECRET")

	if paypayAPIKey == "" || paypayAPISecret == "" {
		logger.LogWarn("PayPay credentials not set; card checkout disabled, manual approval only")
		return
	}

	if os.Getenv("PAYPAY_MODE") == "live" {
		paypayAPIBase = defaultPayPayAPILive
		logger.LogInfo("Using PayPay Live environment")
	} else {
		paypayAPIBase = defaultPayPayAPISandbox
		logger.LogInfo("Using PayPay Sandbox environment")
	}

	callbackBaseURL = os.Getenv("CALLBACK_BASE_URL")
	if callbackBaseURL == "" {
		logger.LogWarn("CALLBACK_BASE_URL is not set; checkout sessions will have no redirect")
	}
}

// ServerAddress builds the webhook server address from environment variables.
func ServerAddress() string {
	host := os.Getenv("SERVER_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8000"
	}
	return host + ":" + port
}

func WebhookMockNotice() string {
	if UseMockWebhookVerification {
		return "\n\n---\nNOTE: This webhook was processed in *mock verification mode*. No live signature validation was performed."
	}
	return ""
}

//
// --- Getters (exported) ---
//

func TelegramToken() string {
	return telegramToken
}

func AdminID() int64 {
	return adminID
}

func DataFile() string {
	return dataFile
}

func BackupDirectory() string {
	return backupDirectory
}

func PurchaseDBPath() string {
	return purchaseDBPath
}

func PayPayAPIKey() string {
	return paypayAPIKey
}

func PayPayAPISecret() string {
	return paypayAPISecret
}

func PayPayAPIBase() string {
	return paypayAPIBase
}

func PayPayEnabled() bool {
	return paypayAPIKey != "" && paypayAPISecret != ""
}

func CallbackBaseURL() string {
	return callbackBaseURL
}

func SessionTTL() time.Duration {
	return sessionTTL
}

func BackupRetention() int {
	return backupRetention
}
