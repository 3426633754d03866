package twofactor

import (
	"fmt"

	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

// TOTPVerifier — проверка одноразовых кодов по base32 секрету агента.
// Формат кода (6 цифр) и допуск по времени — зона ответственности
// библиотеки; арбитр видит только булев результат.
type TOTPVerifier struct {
	issuer string // Имя сервиса в приложении-аутентификаторе
}

func NewTOTPVerifier(issuer string) *TOTPVerifier {
	if issuer == "" {
		issuer = "Guardian Gate"
	}
	return &TOTPVerifier{issuer: issuer}
}

// Verify fail-closed: пустой секрет или код — это всегда отказ
func (v *TOTPVerifier) Verify(secret, code string) bool {
	if secret == "" || code == "" {
		return false
	}
	return totp.Validate(code, secret)
}

// GenerateSecret создает новый секрет для настройки 2FA.
// Возвращает base32 секрет (для ручного ввода) и otpauth:// URL (для QR).
func (v *TOTPVerifier) GenerateSecret(agentID string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: agentID,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to generate TOTP secret: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

// ProvisioningQR рендерит otpauth URL в PNG для отправки оператору в чат
func ProvisioningQR(url string) ([]byte, error) {
	png, err := qrcode.Encode(url, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("failed to render provisioning QR: %w", err)
	}
	return png, nil
}
