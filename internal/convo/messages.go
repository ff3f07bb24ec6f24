package convo

// Message catalog for the two supported languages. Keys are looked up with
// the user's preferred language and fall back to English.

const (
	langEnglish = "en"
	langSwahili = "sw"
)

var messages = map[string]map[string]string{
	langEnglish: {
		"lang_prompt":        "Welcome to BodaSure! Please choose your language.\nKaribu BodaSure! Tafadhali chagua lugha yako.",
		"lang_english":       "English",
		"lang_swahili":       "Kiswahili",
		"register_intro":     "Let's get you covered. First, what is your full name?",
		"register_restart":   "Okay, let's start your registration again. What is your full name?",
		"register_phone":     "Thanks %s. What is an alternative phone number we can reach you on? (e.g. 0712345678)",
		"register_id":        "What is your national ID number?",
		"register_dob":       "What is your date of birth? (DD/MM/YYYY)",
		"register_plate":     "What is your motorcycle's number plate? (e.g. KMEA123A)",
		"register_photos":    "Please send 4 photos: your ID (front and back), yourself, and your motorcycle. (%d of 4 received)",
		"register_done":      "Thank you! Your registration is being reviewed. We will notify you once it is approved.",
		"pending_review":     "Your registration is still under review. We will let you know as soon as it is approved.",
		"rejected":           "Unfortunately your registration was not approved. Please contact support for help.",
		"blocked":            "Your account is currently blocked. Please contact support.",
		"approved_notice":    "Good news! Your registration has been approved. You can now buy cover and file claims.",
		"main_menu":          "What would you like to do?",
		"menu_buy":           "Buy cover",
		"menu_claim":         "File a claim",
		"menu_policies":      "My policies",
		"menu_language":      "Change language",
		"menu_support":       "Contact support",
		"buy_select_cover":   "What kind of cover do you need?",
		"cover_third_party":  "Third party",
		"cover_comprehensive": "Comprehensive",
		"cover_accident":     "Personal accident",
		"buy_select_product": "Choose a plan:",
		"buy_vehicle_value":  "What is your motorcycle's current value in KES? (e.g. 150000)",
		"buy_vehicle_age":    "How old is your motorcycle in years? (e.g. 3)",
		"buy_confirm":        "%s\nPremium: KES %d\nYour quote: KES %.2f (incl. tax), valid until %s.\nConfirm purchase?",
		"buy_yes":            "Yes, pay now",
		"buy_no":             "No, cancel",
		"buy_initiated":      "Payment request sent to your phone. Enter your M-PESA PIN to complete. Policy %s will activate once payment is confirmed.",
		"buy_cancelled":      "No problem, purchase cancelled.",
		"no_products":        "No plans are available for that cover right now. Please try another.",
		"no_active_policies": "You have no active policies. Reply with Buy cover to get covered first.",
		"claim_select":       "Which policy is this claim against?",
		"claim_date":         "Sorry to hear about the incident. What date did it happen? (DD/MM/YYYY)",
		"claim_time":         "What time did it happen? (HH:MM, 24-hour)",
		"claim_location":     "Where did it happen?",
		"claim_desc":         "Briefly describe what happened.",
		"claim_photos":       "Please send photos of the damage or police abstract. Send DONE when finished. (%d received)",
		"claim_photos_min":   "Please send at least one photo before finishing.",
		"claim_done":         "Claim %s received. Our team will review it and get back to you.",
		"claim_outside":      "That date is outside the policy's coverage window. Please check and try again.",
		"policies_header":    "Your policies:",
		"policies_line":      "%s | %s | expires %s",
		"support":            "Call us on 0800-724-000 or email help@bodasure.example. We reply within one business day.",
		"invalid_date":       "That date doesn't look right. Please use DD/MM/YYYY, e.g. 14/02/2026.",
		"invalid_time":       "That time doesn't look right. Please use HH:MM, e.g. 14:30.",
		"invalid_number":     "Please send a number, e.g. 150000.",
		"invalid_phone":      "That phone number doesn't look right. Please use the format 0712345678.",
		"need_text":          "Please reply with text for this step.",
		"need_photo":         "Please send a photo for this step.",
		"need_choice":        "Please pick one of the options shown.",
		"cancelled":          "Okay, cancelled. Back to the main menu.",
		"quote_expired":      "That quote has expired. Let's price it again.",
		"generic_error":      "Something went wrong on our side. Please try again in a moment or contact support.",
		"unknown_intent":     "I didn't quite get that.",
	},
	langSwahili: {
		"lang_prompt":        "Welcome to BodaSure! Please choose your language.\nKaribu BodaSure! Tafadhali chagua lugha yako.",
		"lang_english":       "English",
		"lang_swahili":       "Kiswahili",
		"register_intro":     "Tuanze kukusajili. Kwanza, jina lako kamili ni lipi?",
		"register_restart":   "Sawa, tuanze usajili wako upya. Jina lako kamili ni lipi?",
		"register_phone":     "Asante %s. Tupe nambari nyingine ya simu tunayoweza kukupata. (mfano 0712345678)",
		"register_id":        "Nambari yako ya kitambulisho ni ipi?",
		"register_dob":       "Tarehe yako ya kuzaliwa ni ipi? (DD/MM/YYYY)",
		"register_plate":     "Nambari ya usajili ya pikipiki yako ni ipi? (mfano KMEA123A)",
		"register_photos":    "Tafadhali tuma picha 4: kitambulisho (mbele na nyuma), wewe mwenyewe, na pikipiki yako. (%d kati ya 4 zimepokelewa)",
		"register_done":      "Asante! Usajili wako unakaguliwa. Tutakujulisha ukikubaliwa.",
		"pending_review":     "Usajili wako bado unakaguliwa. Tutakujulisha mara tu utakapokubaliwa.",
		"rejected":           "Samahani, usajili wako haukukubaliwa. Tafadhali wasiliana na usaidizi.",
		"blocked":            "Akaunti yako imezuiwa kwa sasa. Tafadhali wasiliana na usaidizi.",
		"approved_notice":    "Habari njema! Usajili wako umekubaliwa. Sasa unaweza kununua bima na kuwasilisha madai.",
		"main_menu":          "Ungependa kufanya nini?",
		"menu_buy":           "Nunua bima",
		"menu_claim":         "Wasilisha dai",
		"menu_policies":      "Bima zangu",
		"menu_language":      "Badilisha lugha",
		"menu_support":       "Wasiliana na usaidizi",
		"buy_select_cover":   "Unahitaji bima ya aina gani?",
		"cover_third_party":  "Mtu wa tatu",
		"cover_comprehensive": "Kamili",
		"cover_accident":     "Ajali binafsi",
		"buy_select_product": "Chagua mpango:",
		"buy_vehicle_value":  "Thamani ya pikipiki yako kwa sasa ni KES ngapi? (mfano 150000)",
		"buy_vehicle_age":    "Pikipiki yako ina umri wa miaka mingapi? (mfano 3)",
		"buy_confirm":        "%s\nMalipo: KES %d\nBei yako: KES %.2f (pamoja na ushuru), halali hadi %s.\nThibitisha ununuzi?",
		"buy_yes":            "Ndiyo, lipa sasa",
		"buy_no":             "Hapana, ghairi",
		"buy_initiated":      "Ombi la malipo limetumwa kwa simu yako. Weka PIN yako ya M-PESA kukamilisha. Bima %s itaanza mara malipo yatakapothibitishwa.",
		"buy_cancelled":      "Sawa, ununuzi umeghairiwa.",
		"no_products":        "Hakuna mipango inayopatikana kwa bima hiyo kwa sasa. Tafadhali jaribu nyingine.",
		"no_active_policies": "Huna bima zinazotumika. Nunua bima kwanza.",
		"claim_select":       "Dai hili linahusu bima ipi?",
		"claim_date":         "Pole kwa tukio hilo. Lilitokea tarehe gani? (DD/MM/YYYY)",
		"claim_time":         "Lilitokea saa ngapi? (HH:MM, saa 24)",
		"claim_location":     "Lilitokea wapi?",
		"claim_desc":         "Eleza kwa ufupi kilichotokea.",
		"claim_photos":       "Tafadhali tuma picha za uharibifu au ripoti ya polisi. Tuma DONE ukimaliza. (%d zimepokelewa)",
		"claim_photos_min":   "Tafadhali tuma angalau picha moja kabla ya kumaliza.",
		"claim_done":         "Dai %s limepokelewa. Timu yetu italikagua na kukujibu.",
		"claim_outside":      "Tarehe hiyo iko nje ya muda wa bima. Tafadhali hakiki na ujaribu tena.",
		"policies_header":    "Bima zako:",
		"policies_line":      "%s | %s | inaisha %s",
		"support":            "Tupigie 0800-724-000 au barua pepe help@bodasure.example. Tunajibu ndani ya siku moja ya kazi.",
		"invalid_date":       "Tarehe hiyo si sahihi. Tumia DD/MM/YYYY, mfano 14/02/2026.",
		"invalid_time":       "Saa hiyo si sahihi. Tumia HH:MM, mfano 14:30.",
		"invalid_number":     "Tafadhali tuma nambari, mfano 150000.",
		"invalid_phone":      "Nambari hiyo ya simu si sahihi. Tumia mfumo 0712345678.",
		"need_text":          "Tafadhali jibu kwa maandishi kwa hatua hii.",
		"need_photo":         "Tafadhali tuma picha kwa hatua hii.",
		"need_choice":        "Tafadhali chagua mojawapo ya chaguo zilizoonyeshwa.",
		"cancelled":          "Sawa, imeghairiwa. Turudi kwenye menyu kuu.",
		"quote_expired":      "Bei hiyo imeisha muda. Tuipange upya.",
		"generic_error":      "Kuna hitilafu upande wetu. Tafadhali jaribu tena baadaye au wasiliana na usaidizi.",
		"unknown_intent":     "Sikuelewa vizuri.",
	},
}

func t(lang, key string) string {
	if m, ok := messages[lang]; ok {
		if s, ok := m[key]; ok {
			return s
		}
	}
	return messages[langEnglish][key]
}
