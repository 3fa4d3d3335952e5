package handler

// User-facing texts. The bot speaks Hebrew.
const (
	msgStart = `👋 שלום! אני <b>בוט המשכתב</b>

🎯 <b>איך אני עובד?</b>
1. עשה Forward להודעה שאתה רוצה לשכתב, או פשוט שלח לי טקסט
2. אני אשכתב אותה בעברית זורמת ומקצועית
3. תקבל את הגרסה המשוכתבת עם כפתור "📢 פרסם לערוץ"

✏️ רוצה לשנות משהו לפני הפרסום? לחץ על "ערוך לפני פרסום" ושלח את הגרסה הסופית.

⚡ <b>פשוט, מהיר, מקצועי!</b>

צריך עזרה? שלח /help`

	msgHelp = `📖 <b>עזרה - בוט המשכתב</b>

🔄 <b>שימוש:</b>
• Forward הודעה מערוץ אחר או שלח טקסט → אני משכתב אותו
• לחץ על "📢 פרסם לערוץ" → מפרסם ישירות
• לחץ על "✏️ ערוך לפני פרסום" → שלח את הנוסח הסופי בעצמך

⚙️ <b>הגדרות ערוץ:</b>
ערוץ היעד הנוכחי: <code>%s</code>

📋 <b>פקודות:</b>
/stats - סטטיסטיקות השימוש שלך
/history - השכתובים האחרונים שלך
/cancel - ביטול מצב עריכה

💡 <b>טיפים:</b>
• הבוט עובד רק עם טקסט (לא תמונות/וידאו)
• השכתוב משמר את כל המידע החשוב
• קרדיטים ומקורות מוסרים אוטומטית`

	msgChannelNotConfigured = "לא הוגדר (עדכן את CHANNEL_USERNAME)"

	msgProcessing    = "⏳ משכתב את ההודעה עם AI..."
	msgRefinedHeader = "✨ <b>גרסה משוכתבת:</b>\n\n"
	msgRefinedPlain  = "✨ גרסה משוכתבת:\n\n"
	msgRewriteFailed = "❌ שגיאה בשכתוב ההודעה:\n%v\n\nנסה שוב מאוחר יותר."

	msgTooShort  = "⚠️ הטקסט קצר מדי לשכתוב (לפחות %d תווים).\nשלח טקסט ארוך יותר או עשה Forward להודעה."
	msgEmptyText = "⚠️ לא התקבל טקסט. שלח את הנוסח הסופי כהודעת טקסט."

	msgNoChannel        = "⚠️ לא הוגדר ערוץ יעד.\nאנא הגדר את CHANNEL_USERNAME."
	msgNothingToPublish = "⚠️ לא נמצא טקסט לפרסום.\nאנא שלח או עשה Forward להודעה מחדש."
	msgExpired          = "⌛ הטקסט המשוכתב פג תוקף.\nאנא שלח או עשה Forward להודעה מחדש."
	msgTooLong          = "⚠️ הטקסט ארוך מדי לפרסום (%d תווים, המקסימום %d).\nערוך אותו לפני הפרסום."
	msgPublished        = "✅ פורסם בהצלחה לערוץ %s!\n\n📊 אורך: %d תווים\n🕒 זמן: %s"
	msgPublishFailed    = "❌ שגיאה בפרסום לערוץ:\n%v\n\nודא שהבוט הוא admin בערוץ!"

	msgNothingToEdit = "⚠️ אין טקסט משוכתב לעריכה.\nשלח או עשה Forward להודעה קודם."
	msgEditMode      = "✏️ <b>מצב עריכה</b>\n\nשלח את הנוסח הסופי כהודעה רגילה והוא יישמר כמו שהוא, ללא שכתוב.\n\nהטקסט הנוכחי:"
	msgEditSaved     = "✅ הנוסח שלך נשמר ומוכן לפרסום:\n\n"
	msgEditCancelled = "↩️ העריכה בוטלה. הטקסט הקודם נשמר ומוכן לפרסום."
	msgNotEditing    = "ℹ️ אין עריכה פעילה."

	msgHistoryDisabled = "📊 שמירת היסטוריה אינה פעילה."
	msgHistoryEmpty    = "📭 עדיין אין שכתובים שמורים."
	msgHistoryFailed   = "❌ לא ניתן לטעון את ההיסטוריה כרגע."
	msgStats           = `📊 <b>הסטטיסטיקות שלך</b>

✍️ שכתובים: %d
📢 פורסמו: %d
📏 אורך ממוצע מקורי: %d תווים
📐 אורך ממוצע משוכתב: %d תווים

🌍 <b>כללי</b>
👥 משתמשים: %d
✍️ שכתובים: %d
📢 פורסמו: %d`
	msgHistoryHeader = "🗂 <b>השכתובים האחרונים שלך:</b>\n\n"

	msgUnexpectedError = "❌ אירעה שגיאה לא צפויה.\nאנא נסה שוב או צור קשר עם התמיכה."

	btnPublish    = "📢 פרסם לערוץ"
	btnEdit       = "✏️ ערוך לפני פרסום"
	btnCancelEdit = "❌ בטל עריכה"
)
