package models

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
)

// AlertSource identifies where an alert originated.
type AlertSource struct {
	AgentID   string `json:"agent_id,omitempty"`
	AgentName string `json:"agent_name,omitempty"`
	AgentIP   string `json:"agent_ip,omitempty"`
}

// Alert is a normalized SIEM alert.
type Alert struct {
	ID              string       `json:"id"`
	Timestamp       time.Time    `json:"timestamp"`
	RuleID          string       `json:"rule_id"`
	RuleDescription string       `json:"rule_description"`
	RuleLevel       int          `json:"rule_level"`
	Severity        Severity     `json:"severity"`
	Source          AlertSource  `json:"source"`
	RawText         string       `json:"raw_text,omitempty"`
	Observables     []Observable `json:"observables,omitempty"`
}

var (
	ipv4ExtractRe   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	md5ExtractRe    = regexp.MustCompile(`\b[a-fA-F0-9]{32}\b`)
	sha256ExtractRe = regexp.MustCompile(`\b[a-fA-F0-9]{64}\b`)
	urlExtractRe    = regexp.MustCompile(`https?://[^\s"'<>]+`)
	domainExtractRe = regexp.MustCompile(`\b([a-zA-Z0-9][a-zA-Z0-9-]*\.)+(?:com|net|org|io|ru|cn|info|biz|xyz|top|cc|tk)\b`)
)

// ExtractObservables pulls IPs, hashes, URLs, and domains out of the alert's
// raw text, deduplicated by (value, type). Private and loopback IPs are kept
// but tagged so enrichment can skip external lookups.
func (a *Alert) ExtractObservables() []Observable {
	text := a.RawText
	if text == "" {
		text = a.RuleDescription
	}
	source := fmt.Sprintf("alert:%s", a.ID)

	seen := make(map[string]bool)
	var out []Observable
	add := func(value string, typ ObservableType, tags []string) {
		o := Observable{Value: value, Type: typ, Source: source, Tags: tags}
		if seen[o.Key()] {
			return
		}
		seen[o.Key()] = true
		out = append(out, o)
	}

	for _, ip := range ipv4ExtractRe.FindAllString(text, -1) {
		if net.ParseIP(ip) == nil {
			continue
		}
		var tags []string
		if isPrivateIP(ip) {
			tags = []string{"private_ip", "internal"}
		}
		add(ip, ObservableIP, tags)
	}
	for _, h := range sha256ExtractRe.FindAllString(text, -1) {
		add(strings.ToLower(h), ObservableHashSHA256, nil)
	}
	for _, h := range md5ExtractRe.FindAllString(text, -1) {
		add(strings.ToLower(h), ObservableHashMD5, nil)
	}
	for _, u := range urlExtractRe.FindAllString(text, -1) {
		add(u, ObservableURL, nil)
	}
	for _, d := range domainExtractRe.FindAllString(text, -1) {
		add(strings.ToLower(d), ObservableDomain, nil)
	}

	a.Observables = out
	return out
}

func isPrivateIP(value string) bool {
	ip := net.ParseIP(value)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	return ip.IsPrivate()
}
