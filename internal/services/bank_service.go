package services

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
)

// Bank is one entry in the payout bank directory. Withdrawal requests are
// only accepted for banks listed here.
type Bank struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	LogoData string `json:"logoData"`
}

const (
	logosDir = "./static/bank-logos"
	demoSVG  = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 200 200"><rect width="200" height="200" fill="#f0f0f0"/><path d="M100 60c-22.1 0-40 17.9-40 40s17.9 40 40 40 40-17.9 40-40-17.9-40-40-40zm0 65c-13.8 0-25-11.2-25-25s11.2-25 25-25 25 11.2 25 25-11.2 25-25 25z" fill="#999"/><text x="100" y="170" text-anchor="middle" font-family="Arial" font-size="14" fill="#666">BANK</text></svg>`
)

var bankLogos = map[string]string{
	"044":    "access-bank.svg",
	"063":    "access-bank.svg",
	"023":    "citibank.svg",
	"050":    "ecobank.svg",
	"070":    "fidelity.svg",
	"011":    "firstbank.svg",
	"214":    "fcmb.svg",
	"058":    "gtbank.svg",
	"301":    "jaiz.svg",
	"082":    "keystone.svg",
	"076":    "polaris.svg",
	"101":    "providus.svg",
	"221":    "stanbic.svg",
	"068":    "standard-chartered.svg",
	"232":    "sterling.svg",
	"302":    "taj.svg",
	"032":    "union.svg",
	"033":    "uba.svg",
	"215":    "unity.svg",
	"035":    "wema.svg",
	"057":    "zenith.svg",
	"304":    "lotus.svg",
	"50211":  "kuda.svg",
	"090267": "kuda.svg",
	"100002": "paga.svg",
	"110005": "paycom.svg",
	"090405": "moniepoint.svg",
	"090110": "vfd.svg",
	"090286": "safehaven.svg",
}

var supportedBanks = []Bank{
	{Code: "044", Name: "Access Bank"},
	{Code: "063", Name: "Access Bank (Diamond)"},
	{Code: "023", Name: "Citibank Nigeria"},
	{Code: "050", Name: "Ecobank Nigeria"},
	{Code: "070", Name: "Fidelity Bank"},
	{Code: "011", Name: "First Bank of Nigeria"},
	{Code: "214", Name: "First City Monument Bank"},
	{Code: "058", Name: "Guaranty Trust Bank"},
	{Code: "301", Name: "Jaiz Bank"},
	{Code: "082", Name: "Keystone Bank"},
	{Code: "076", Name: "Polaris Bank"},
	{Code: "101", Name: "Providus Bank"},
	{Code: "221", Name: "Stanbic IBTC Bank"},
	{Code: "068", Name: "Standard Chartered Bank"},
	{Code: "232", Name: "Sterling Bank"},
	{Code: "302", Name: "TAJ Bank"},
	{Code: "032", Name: "Union Bank of Nigeria"},
	{Code: "033", Name: "United Bank For Africa"},
	{Code: "215", Name: "Unity Bank"},
	{Code: "035", Name: "Wema Bank"},
	{Code: "057", Name: "Zenith Bank"},
	{Code: "304", Name: "Lotus Bank"},
	{Code: "50211", Name: "Kuda Bank"},
	{Code: "090267", Name: "Kuda Microfinance Bank"},
	{Code: "100002", Name: "Paga"},
	{Code: "110005", Name: "Paycom"},
	{Code: "090405", Name: "Moniepoint MFB"},
	{Code: "090110", Name: "VFD Microfinance Bank"},
	{Code: "090286", Name: "Safe Haven MFB"},
}

type BankService struct {
	byCode map[string]Bank
}

func NewBankService() *BankService {
	byCode := make(map[string]Bank, len(supportedBanks))
	for _, b := range supportedBanks {
		byCode[b.Code] = b
	}
	return &BankService{byCode: byCode}
}

// IsSupported reports whether a withdrawal can target the given bank code.
func (bs *BankService) IsSupported(code string) bool {
	_, ok := bs.byCode[code]
	return ok
}

// Lookup returns the directory entry for a bank code.
func (bs *BankService) Lookup(code string) (Bank, bool) {
	b, ok := bs.byCode[code]
	return b, ok
}

// GetAllBanks lists the supported payout banks
// @Summary List supported banks
// @Description Get the banks supported for scholar withdrawals, with inline logos
// @Tags banks
// @Produce json
// @Success 200 {array} Bank
// @Router /banks [get]
func (bs *BankService) GetAllBanks(w http.ResponseWriter, r *http.Request) {
	banks := make([]Bank, len(supportedBanks))
	copy(banks, supportedBanks)

	for i := range banks {
		banks[i].LogoData = bs.LoadLogo(banks[i].Code)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	json.NewEncoder(w).Encode(banks)
}

func (bs *BankService) LoadLogo(code string) string {
	filename, ok := bankLogos[code]
	if !ok {
		return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(demoSVG))
	}

	path := filepath.Join(logosDir, filename)
	if data, err := os.ReadFile(path); err == nil {
		return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString(data)
	}

	return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(demoSVG))
}
