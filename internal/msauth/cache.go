package msauth

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/cloudinventory/assistant/internal/token"
)

type credentialRecord struct {
	HomeAccountID  string `json:"homeAccountId"`
	Environment    string `json:"environment"`
	CredentialType string `json:"credentialType"`
	ClientID       string `json:"clientId"`
	Secret         string `json:"secret"`
	Realm          string `json:"realm,omitempty"`
	Target         string `json:"target,omitempty"`
	ExpiresOn      string `json:"expiresOn,omitempty"`
}

type accountRecord struct {
	HomeAccountID  string `json:"homeAccountId"`
	Environment    string `json:"environment"`
	Realm          string `json:"realm"`
	LocalAccountID string `json:"localAccountId"`
	Username       string `json:"username"`
	Name           string `json:"name,omitempty"`
	AuthorityType  string `json:"authorityType"`
}

type tokenKeys struct {
	IDToken      []string `json:"idToken"`
	AccessToken  []string `json:"accessToken"`
	RefreshToken []string `json:"refreshToken"`
}

func (p *Provider) tokenKeysKey() string {
	return "msal.token.keys." + p.clientID
}

const accountKeysKey = "msal.account.keys"

// cacheToken writes tok into the store as MSAL-style account and credential
// records plus the key indexes that point at them.
func (p *Provider) cacheToken(tok *oauth2.Token) error {
	idToken, _ := tok.Extra("id_token").(string)
	oid := token.StringClaim(idToken, "oid")
	realm := token.StringClaim(idToken, "tid")
	if realm == "" {
		realm = p.tenant
	}
	if oid == "" {
		oid = uuid.NewString()
	}
	home := oid + "." + realm
	target := strings.ToLower(strings.Join(p.oauth.Scopes, " "))

	prefix := home + "-" + environment + "-"
	keys := tokenKeys{}
	writes := map[string]any{}

	accountKey := prefix + realm
	writes[accountKey] = accountRecord{
		HomeAccountID:  home,
		Environment:    environment,
		Realm:          realm,
		LocalAccountID: oid,
		Username:       token.StringClaim(idToken, "preferred_username"),
		Name:           token.StringClaim(idToken, "name"),
		AuthorityType:  "MSSTS",
	}

	atKey := prefix + "accesstoken-" + p.clientID + "-" + realm + "-" + target
	writes[atKey] = credentialRecord{
		HomeAccountID:  home,
		Environment:    environment,
		CredentialType: "AccessToken",
		ClientID:       p.clientID,
		Secret:         tok.AccessToken,
		Realm:          realm,
		Target:         target,
		ExpiresOn:      strconv.FormatInt(tok.Expiry.Unix(), 10),
	}
	keys.AccessToken = append(keys.AccessToken, atKey)

	if idToken != "" {
		idKey := prefix + "idtoken-" + p.clientID + "-" + realm + "-"
		writes[idKey] = credentialRecord{
			HomeAccountID:  home,
			Environment:    environment,
			CredentialType: "IdToken",
			ClientID:       p.clientID,
			Secret:         idToken,
			Realm:          realm,
		}
		keys.IDToken = append(keys.IDToken, idKey)
	}

	if tok.RefreshToken != "" {
		rtKey := prefix + "refreshtoken-" + p.clientID + "--"
		writes[rtKey] = credentialRecord{
			HomeAccountID:  home,
			Environment:    environment,
			CredentialType: "RefreshToken",
			ClientID:       p.clientID,
			Secret:         tok.RefreshToken,
		}
		keys.RefreshToken = append(keys.RefreshToken, rtKey)
	}

	writes[p.tokenKeysKey()] = keys
	writes[accountKeysKey] = []string{accountKey}

	for key, record := range writes {
		raw, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", key, err)
		}
		if err := p.store.Set(key, string(raw)); err != nil {
			return err
		}
	}
	return nil
}

// CachedAccessToken returns the cached access token if it stays valid for
// at least minTTL.
func (p *Provider) CachedAccessToken(minTTL time.Duration) (string, bool) {
	raw, ok, err := p.store.Get(p.tokenKeysKey())
	if err != nil || !ok {
		return "", false
	}
	var keys tokenKeys
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return "", false
	}

	for _, key := range keys.AccessToken {
		raw, ok, err := p.store.Get(key)
		if err != nil || !ok {
			continue
		}
		var rec credentialRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.Secret == "" {
			continue
		}
		expiresOn, err := strconv.ParseInt(rec.ExpiresOn, 10, 64)
		if err != nil {
			continue
		}
		if p.now().Add(minTTL).Before(time.Unix(expiresOn, 0)) {
			return rec.Secret, true
		}
	}
	return "", false
}
